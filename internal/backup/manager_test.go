package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiermem/tiermem/internal/model"
	"github.com/tiermem/tiermem/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil, nil)
	require.NoError(t, err)
	return m
}

func newTestStores(t *testing.T) map[model.Tier]store.TierStore {
	t.Helper()
	return map[model.Tier]store.TierStore{
		model.TierInteract: store.NewMemoryStore(model.TierInteract),
		model.TierInsights: store.NewMemoryStore(model.TierInsights),
		model.TierAssets:   store.NewMemoryStore(model.TierAssets),
	}
}

func putRecord(t *testing.T, stores map[model.Tier]store.TierStore, tier model.Tier, id, text string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &model.Record{
		ID:          id,
		Text:        text,
		Tier:        tier,
		Kind:        "general",
		Project:     "default",
		Session:     "s1",
		Score:       0.5,
		AccessCount: 1,
		CreatedAt:   now,
		LastAccess:  now,
	}
	require.NoError(t, stores[tier].Put(context.Background(), id, rec))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	src := newTestStores(t)

	putRecord(t, src, model.TierInteract, "i1", "interact one")
	putRecord(t, src, model.TierInteract, "i2", "interact two")
	putRecord(t, src, model.TierInsights, "n1", "insight one")
	putRecord(t, src, model.TierAssets, "a1", "asset one")

	path, err := m.Create(ctx, src, "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".tar.gz"))

	dst := newTestStores(t)
	res, err := m.Restore(ctx, path, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Restored)
	assert.Equal(t, uint64(0), res.Skipped)
	assert.Equal(t, uint64(4), res.Metadata.TotalRecords)

	rec, err := dst[model.TierInteract].Get(ctx, "i1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "interact one", rec.Text)
	assert.Equal(t, model.TierInteract, rec.Tier)

	rec, err = dst[model.TierAssets].Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "asset one", rec.Text)
}

func TestBackupEmptyTiers(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	src := newTestStores(t)

	path, err := m.Create(ctx, src, "empty")
	require.NoError(t, err)

	meta, err := ReadMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), meta.TotalRecords)
	assert.Equal(t, FormatVersion, meta.Version)
	assert.Len(t, meta.Tiers, 3)
	assert.NotEmpty(t, meta.Checksum)

	dst := newTestStores(t)
	res, err := m.Restore(ctx, path, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Restored)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	src := newTestStores(t)
	putRecord(t, src, model.TierInteract, "i1", "original text")

	path, err := m.Create(ctx, src, "")
	require.NoError(t, err)

	// Tamper with the interact tier data, leaving metadata untouched.
	staging := t.TempDir()
	require.NoError(t, unpackArchive(path, staging))
	tierPath := filepath.Join(staging, "interact_records.json")
	data, err := os.ReadFile(tierPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "original text", "Original text", 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(tierPath, []byte(tampered), 0o644))
	require.NoError(t, packArchive(staging, path))

	dst := newTestStores(t)
	_, err = m.Restore(ctx, path, dst)
	require.ErrorIs(t, err, ErrIntegrity)

	// Nothing was written before the check failed.
	keys, err := dst[model.TierInteract].ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	ok, err := m.Verify(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRestoreLegacyWithoutChecksums(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := model.Record{
		ID: "old1", Text: "legacy record", Tier: model.TierInteract,
		Kind: "general", Project: "default", Session: "s1",
		Score: 0.5, AccessCount: 1, CreatedAt: now, LastAccess: now,
	}
	line, err := json.Marshal(&rec)
	require.NoError(t, err)

	staging := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(staging, "interact_records.json"), append(line, '\n'), 0o644))
	meta := Metadata{
		Version:      FormatVersion,
		CreatedAt:    now,
		Tiers:        []TierInfo{{Tier: model.TierInteract, RecordCount: 1}},
		TotalRecords: 1,
	}
	require.NoError(t, writeMetadata(filepath.Join(staging, metadataFile), &meta))

	path := filepath.Join(t.TempDir(), "legacy.tar.gz")
	require.NoError(t, packArchive(staging, path))

	dst := newTestStores(t)
	res, err := m.Restore(ctx, path, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Restored)

	got, err := dst[model.TierInteract].Get(ctx, "old1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "legacy record", got.Text)
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	staging := t.TempDir()
	meta := Metadata{Version: FormatVersion + 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, writeMetadata(filepath.Join(staging, metadataFile), &meta))

	path := filepath.Join(t.TempDir(), "future.tar.gz")
	require.NoError(t, packArchive(staging, path))

	_, err := m.Restore(ctx, path, newTestStores(t))
	require.ErrorIs(t, err, ErrFormatVersion)
}

func TestRestoreForcesTierFromFilename(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	// The record claims to be an asset but sits in the interact file.
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := model.Record{
		ID: "r1", Text: "mislabeled", Tier: model.TierAssets,
		Kind: "general", Project: "default", Session: "s1",
		Score: 0.5, AccessCount: 1, CreatedAt: now, LastAccess: now,
	}
	line, err := json.Marshal(&rec)
	require.NoError(t, err)

	staging := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(staging, "interact_records.json"), append(line, '\n'), 0o644))
	meta := Metadata{Version: FormatVersion, CreatedAt: now}
	require.NoError(t, writeMetadata(filepath.Join(staging, metadataFile), &meta))

	path := filepath.Join(t.TempDir(), "mislabeled.tar.gz")
	require.NoError(t, packArchive(staging, path))

	dst := newTestStores(t)
	_, err = m.Restore(ctx, path, dst)
	require.NoError(t, err)

	got, err := dst[model.TierInteract].Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.TierInteract, got.Tier)

	ok, _ := dst[model.TierAssets].Exists(ctx, "r1")
	assert.False(t, ok)
}

func TestRestoreSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	line := func(id string) []byte {
		rec := model.Record{
			ID: id, Text: "record " + id, Tier: model.TierInteract,
			Kind: "general", Project: "default", Session: "s1",
			Score: 0.5, AccessCount: 1, CreatedAt: now, LastAccess: now,
		}
		b, err := json.Marshal(&rec)
		require.NoError(t, err)
		return append(b, '\n')
	}

	// A bad line in the middle must not cost the records after it.
	var content []byte
	content = append(content, line("r1")...)
	content = append(content, []byte("{this is not json}\n")...)
	content = append(content, line("r2")...)
	content = append(content, line("r3")...)

	staging := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(staging, "interact_records.json"), content, 0o644))
	meta := Metadata{Version: FormatVersion, CreatedAt: now}
	require.NoError(t, writeMetadata(filepath.Join(staging, metadataFile), &meta))

	path := filepath.Join(t.TempDir(), "garbled.tar.gz")
	require.NoError(t, packArchive(staging, path))

	dst := newTestStores(t)
	res, err := m.Restore(ctx, path, dst)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Restored)
	assert.Equal(t, uint64(1), res.Skipped)

	for _, id := range []string{"r1", "r2", "r3"} {
		ok, err := dst[model.TierInteract].Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "record %s must survive the malformed neighbor", id)
	}
}

func TestVerifyIntactArchive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	src := newTestStores(t)
	putRecord(t, src, model.TierInsights, "n1", "insight")

	path, err := m.Create(ctx, src, "")
	require.NoError(t, err)

	ok, err := m.Verify(path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListStable(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	src := newTestStores(t)
	putRecord(t, src, model.TierInteract, "i1", "one")

	_, err := m.Create(ctx, src, "first")
	require.NoError(t, err)
	_, err = m.Create(ctx, src, "second")
	require.NoError(t, err)

	a, err := m.List()
	require.NoError(t, err)
	require.Len(t, a, 2)

	b, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, a, b, "listing must not mutate archives")
}

func TestCleanupKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	src := newTestStores(t)

	var last string
	for _, name := range []string{"one", "two", "three"} {
		p, err := m.Create(ctx, src, name)
		require.NoError(t, err)
		last = p
		// Distinct created_at timestamps for the ordering.
		time.Sleep(10 * time.Millisecond)
	}

	removed, err := m.Cleanup(1)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, last, infos[0].Path)
}
