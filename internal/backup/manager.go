// Package backup exports tiers into checksummed gzip tar archives and
// restores them. An archive holds metadata.json plus one newline-
// delimited JSON record file per tier. Integrity is verified against
// per-tier and master SHA-256 checksums before any data is written back.
package backup

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tiermem/tiermem/internal/checksum"
	"github.com/tiermem/tiermem/internal/model"
	"github.com/tiermem/tiermem/internal/observability"
	"github.com/tiermem/tiermem/internal/store"
)

// FormatVersion is the archive format this implementation reads and
// writes. Restore refuses any other version outright.
const FormatVersion = 1

// producerVersion is stamped into metadata for operator reporting.
const producerVersion = "0.3.0"

const (
	metadataFile = "metadata.json"
	// Export flushes to disk every flushBatch records so memory stays
	// bounded no matter how large a tier is.
	flushBatch = 1000
	// Restore inserts in groups of insertBatch records.
	insertBatch = 100
	// maxRecordLine bounds one serialized record during restore.
	maxRecordLine = 16 << 20
)

// ErrIntegrity is returned when archive checksums do not match the data.
var ErrIntegrity = errors.New("backup integrity check failed")

// ErrFormatVersion is returned when an archive was written by an
// incompatible format version.
var ErrFormatVersion = errors.New("incompatible backup format version")

// TierInfo describes one tier inside an archive.
type TierInfo struct {
	Tier        model.Tier `json:"tier"`
	RecordCount uint64     `json:"record_count"`
	SizeBytes   uint64     `json:"size_bytes"`
}

// Metadata is persisted as metadata.json inside every archive. It is
// read-only at restore time.
type Metadata struct {
	Version         int               `json:"version"`
	CreatedAt       time.Time         `json:"created_at"`
	ProducerVersion string            `json:"producer_version"`
	Tiers           []TierInfo        `json:"tiers"`
	TotalRecords    uint64            `json:"total_records"`
	Checksum        string            `json:"checksum,omitempty"`
	TierChecksums   map[string]string `json:"tier_checksums,omitempty"`
}

// Info pairs an archive path with its parsed metadata.
type Info struct {
	Path      string   `json:"path"`
	Metadata  Metadata `json:"metadata"`
	SizeBytes int64    `json:"size_bytes"`
}

// RestoreResult reports what a restore actually wrote.
type RestoreResult struct {
	Metadata Metadata `json:"metadata"`
	Restored uint64   `json:"restored"`
	Skipped  uint64   `json:"skipped"`
}

// Manager creates and restores archives under a base directory.
type Manager struct {
	baseDir string
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewManager creates the backup directory if needed.
func NewManager(baseDir string, metrics *observability.Metrics, log *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{baseDir: baseDir, metrics: metrics, log: log}, nil
}

func tierFileName(tier model.Tier) string {
	return string(tier) + "_records.json"
}

// Create exports every tier into a new archive and returns its path.
// Staging happens in a temp directory, so an aborted run never leaves a
// partial archive at the destination.
func (m *Manager) Create(ctx context.Context, stores map[model.Tier]store.TierStore, name string) (path string, err error) {
	defer func() { m.metrics.ObserveBackupOp("create", err) }()

	if name == "" {
		name = "backup_" + time.Now().UTC().Format("20060102_150405")
	}
	name = strings.TrimSuffix(name, ".tar.gz")
	archivePath := filepath.Join(m.baseDir, name+".tar.gz")
	m.log.Info("creating backup", "path", archivePath)

	staging, err := os.MkdirTemp("", "tiermem-backup-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	meta := Metadata{
		Version:         FormatVersion,
		CreatedAt:       time.Now().UTC(),
		ProducerVersion: producerVersion,
		TierChecksums:   make(map[string]string),
	}
	master := checksum.NewMaster()

	// Fixed tier order; the master checksum chain depends on it.
	for _, tier := range model.Tiers {
		st, ok := stores[tier]
		if !ok {
			return "", fmt.Errorf("no store for tier %s", tier)
		}
		info, sum, err := m.exportTier(ctx, st, tier, filepath.Join(staging, tierFileName(tier)))
		if err != nil {
			return "", fmt.Errorf("export tier %s: %w", tier, err)
		}
		meta.Tiers = append(meta.Tiers, info)
		meta.TierChecksums[string(tier)] = sum
		meta.TotalRecords += info.RecordCount
		master.AddTier(sum, info.RecordCount)
		m.log.Debug("exported tier", "tier", tier, "records", info.RecordCount)
	}
	meta.Checksum = master.Sum()

	if err := writeMetadata(filepath.Join(staging, metadataFile), &meta); err != nil {
		return "", err
	}
	if err := packArchive(staging, archivePath); err != nil {
		os.Remove(archivePath)
		return "", err
	}

	m.log.Info("backup created", "path", archivePath, "records", meta.TotalRecords,
		"checksum", shortSum(meta.Checksum))
	return archivePath, nil
}

// exportTier streams one tier into an NDJSON file, accumulating the
// tier checksum over each record's canonical JSON. Records are buffered
// and flushed in batches so memory stays bounded.
func (m *Manager) exportTier(ctx context.Context, st store.TierStore, tier model.Tier, outPath string) (TierInfo, string, error) {
	info := TierInfo{Tier: tier}
	calc := checksum.New()

	f, err := os.Create(outPath)
	if err != nil {
		return info, "", fmt.Errorf("create tier file: %w", err)
	}
	defer f.Close()

	it, err := st.Iterate(ctx)
	if err != nil {
		return info, "", err
	}
	defer it.Close()

	var buf []byte
	pending := 0
	for it.Next() {
		var rec model.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			m.log.Warn("skipping malformed record during export",
				"tier", tier, "key", it.Key(), "error", err)
			continue
		}
		// Re-marshal so the checksum covers canonical JSON, not
		// whatever formatting the backend stored.
		line, err := json.Marshal(&rec)
		if err != nil {
			m.log.Warn("skipping unserializable record during export",
				"tier", tier, "key", it.Key(), "error", err)
			continue
		}
		calc.Add(line)
		buf = append(buf, line...)
		buf = append(buf, '\n')
		pending++
		info.RecordCount++

		if pending >= flushBatch {
			if _, err := f.Write(buf); err != nil {
				return info, "", fmt.Errorf("write tier file: %w", err)
			}
			buf = buf[:0]
			pending = 0
		}
	}
	if err := it.Err(); err != nil {
		return info, "", fmt.Errorf("iterate tier: %w", err)
	}
	if len(buf) > 0 {
		if _, err := f.Write(buf); err != nil {
			return info, "", fmt.Errorf("write tier file: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return info, "", err
	}
	if fi, err := f.Stat(); err == nil {
		info.SizeBytes = uint64(fi.Size())
	}
	return info, calc.Sum(), nil
}

// Restore unpacks an archive, verifies format version and checksums,
// and only then writes records back into the tier stores. The tier of
// every restored record is forced from the filename it came out of, so
// crafted metadata cannot redirect data into the wrong tier.
func (m *Manager) Restore(ctx context.Context, archivePath string, stores map[model.Tier]store.TierStore) (res *RestoreResult, err error) {
	defer func() { m.metrics.ObserveBackupOp("restore", err) }()

	staging, err := os.MkdirTemp("", "tiermem-restore-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := unpackArchive(archivePath, staging); err != nil {
		return nil, err
	}

	meta, err := readMetadataFile(filepath.Join(staging, metadataFile))
	if err != nil {
		return nil, err
	}
	if meta.Version != FormatVersion {
		return nil, fmt.Errorf("%w: archive version %d, expected %d",
			ErrFormatVersion, meta.Version, FormatVersion)
	}

	if meta.Checksum != "" || len(meta.TierChecksums) > 0 {
		if err := m.verifyStaging(staging, meta); err != nil {
			return nil, err
		}
		m.log.Info("backup integrity verified", "checksum", shortSum(meta.Checksum))
	} else {
		// Legacy archives carry no checksums; integrity is best effort.
		m.log.Warn("backup has no checksums, skipping integrity verification",
			"path", archivePath)
	}

	res = &RestoreResult{Metadata: *meta}
	for _, tier := range model.Tiers {
		tierPath := filepath.Join(staging, tierFileName(tier))
		if _, statErr := os.Stat(tierPath); statErr != nil {
			continue
		}
		st, ok := stores[tier]
		if !ok {
			return nil, fmt.Errorf("no store for tier %s", tier)
		}
		restored, skipped, err := m.importTier(ctx, st, tier, tierPath)
		if err != nil {
			return nil, fmt.Errorf("import tier %s: %w", tier, err)
		}
		res.Restored += restored
		res.Skipped += skipped
		m.log.Info("restored tier", "tier", tier, "records", restored, "skipped", skipped)
	}
	return res, nil
}

// verifyStaging recomputes every tier checksum and the master checksum
// from the unpacked files and compares against metadata. Any mismatch
// aborts the restore before a single record is written.
func (m *Manager) verifyStaging(staging string, meta *Metadata) error {
	master := checksum.NewMaster()
	for _, info := range meta.Tiers {
		tierPath := filepath.Join(staging, tierFileName(info.Tier))
		if _, err := os.Stat(tierPath); err != nil {
			m.log.Warn("tier file missing from archive", "tier", info.Tier)
			continue
		}
		sum, _, err := checksumTierFile(tierPath)
		if err != nil {
			// Unparseable data with checksums present is corruption,
			// not a recoverable format quirk.
			return fmt.Errorf("%w: tier %s unreadable: %v", ErrIntegrity, info.Tier, err)
		}
		expected, ok := meta.TierChecksums[string(info.Tier)]
		if !ok {
			m.log.Warn("no checksum recorded for tier", "tier", info.Tier)
			continue
		}
		if sum != expected {
			return fmt.Errorf("%w: tier %s checksum mismatch", ErrIntegrity, info.Tier)
		}
		master.AddTier(sum, info.RecordCount)
	}
	if meta.Checksum != "" && master.Sum() != meta.Checksum {
		return fmt.Errorf("%w: master checksum mismatch", ErrIntegrity)
	}
	return nil
}

// checksumTierFile re-parses and re-serializes every line so the hash
// is computed over canonical JSON exactly as at creation time.
func checksumTierFile(path string) (string, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	calc := checksum.New()
	dec := json.NewDecoder(f)
	for dec.More() {
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return "", 0, fmt.Errorf("parse record: %w", err)
		}
		line, err := json.Marshal(&rec)
		if err != nil {
			return "", 0, err
		}
		calc.Add(line)
	}
	return calc.Sum(), calc.Count(), nil
}

// importTier reads one NDJSON tier file line by line and inserts records
// in atomic batches. Each line is unmarshaled independently, so a
// malformed line is logged, counted and skipped while every other line
// still restores. Records are upserted under their original ids, so
// restoring the same archive twice is idempotent per id.
func (m *Manager) importTier(ctx context.Context, st store.TierStore, tier model.Tier, path string) (restored, skipped uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var batch []*model.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			m.log.Warn("skipping malformed record during restore",
				"tier", tier, "error", err)
			skipped++
			continue
		}
		rec.Tier = tier
		batch = append(batch, &rec)
		if len(batch) >= insertBatch {
			if err := st.PutBatch(ctx, batch); err != nil {
				return restored, skipped, fmt.Errorf("insert batch: %w", err)
			}
			restored += uint64(len(batch))
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return restored, skipped, fmt.Errorf("read tier file: %w", err)
	}
	if len(batch) > 0 {
		if err := st.PutBatch(ctx, batch); err != nil {
			return restored, skipped, fmt.Errorf("insert batch: %w", err)
		}
		restored += uint64(len(batch))
	}
	return restored, skipped, nil
}

// Verify checks an archive's integrity without restoring anything.
func (m *Manager) Verify(archivePath string) (ok bool, err error) {
	defer func() { m.metrics.ObserveBackupOp("verify", err) }()

	staging, err := os.MkdirTemp("", "tiermem-verify-*")
	if err != nil {
		return false, err
	}
	defer os.RemoveAll(staging)

	if err := unpackArchive(archivePath, staging); err != nil {
		return false, err
	}
	meta, err := readMetadataFile(filepath.Join(staging, metadataFile))
	if err != nil {
		return false, err
	}
	if meta.Checksum == "" && len(meta.TierChecksums) == 0 {
		m.log.Warn("archive carries no checksums to verify", "path", archivePath)
		return true, nil
	}
	if err := m.verifyStaging(staging, meta); err != nil {
		if errors.Is(err, ErrIntegrity) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns metadata for every archive under the backup directory,
// newest first. Only metadata.json is read out of each archive.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		meta, err := ReadMetadata(path)
		if err != nil {
			m.log.Warn("skipping unreadable archive", "path", path, "error", err)
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{Path: path, Metadata: *meta, SizeBytes: fi.Size()})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Metadata.CreatedAt.After(infos[j].Metadata.CreatedAt)
	})
	return infos, nil
}

// Cleanup deletes all but the keepCount newest archives and returns how
// many were removed.
func (m *Manager) Cleanup(keepCount int) (int, error) {
	infos, err := m.List()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i, info := range infos {
		if i < keepCount {
			continue
		}
		if err := os.Remove(info.Path); err != nil {
			return deleted, fmt.Errorf("remove %s: %w", info.Path, err)
		}
		m.log.Info("deleted old backup", "path", info.Path)
		deleted++
	}
	return deleted, nil
}

// Check verifies the backup directory is present and usable.
func (m *Manager) Check() error {
	fi, err := os.Stat(m.baseDir)
	if err != nil {
		return fmt.Errorf("backup dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("backup dir %s is not a directory", m.baseDir)
	}
	return nil
}

// ReadMetadata extracts metadata.json from an archive without unpacking
// the record files.
func ReadMetadata(archivePath string) (*Metadata, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if filepath.Base(hdr.Name) != metadataFile {
			continue
		}
		var meta Metadata
		if err := json.NewDecoder(tr).Decode(&meta); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		return &meta, nil
	}
	return nil, fmt.Errorf("metadata not found in %s", archivePath)
}

func writeMetadata(path string, meta *Metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func readMetadataFile(path string) (*Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// packArchive writes every file in dir into a gzip tar at dst.
func packArchive(dir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = entry.Name()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return fmt.Errorf("pack %s: %w", entry.Name(), err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// unpackArchive extracts a gzip tar into dir, rejecting entries that
// would escape it.
func unpackArchive(src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}
		name := filepath.Base(hdr.Name)
		if name == "." || name == ".." || hdr.Typeflag != tar.TypeReg {
			continue
		}
		out, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("unpack %s: %w", name, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func shortSum(sum string) string {
	if len(sum) > 16 {
		return sum[:16]
	}
	return sum
}
