// Package memory exposes the coordinator façade over the tier stores,
// promotion engine and backup manager: remember, recall, forget,
// optimize, and the backup operations, plus stats and health.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/tiermem/tiermem/internal/backup"
	"github.com/tiermem/tiermem/internal/model"
	"github.com/tiermem/tiermem/internal/observability"
	"github.com/tiermem/tiermem/internal/promotion"
	"github.com/tiermem/tiermem/internal/semantic"
	"github.com/tiermem/tiermem/internal/store"
)

// ErrMaintenanceBusy is returned when optimize or a backup operation is
// requested while another maintenance operation holds the advisory
// lock. Callers should retry, not treat it as fatal.
var ErrMaintenanceBusy = errors.New("maintenance operation already in progress")

const (
	defaultKind    = "general"
	defaultProject = "default"
	defaultScore   = 0.5
	defaultTopK    = 10
)

// Context carries the optional attributes of a remember call.
type Context struct {
	Kind    string
	Tags    []string
	Project string
	Session string
	Tier model.Tier
	// Score overrides the default relevance when non-nil; nil means
	// unset, which keeps an explicit zero representable.
	Score *float64
	// Embedding is produced externally; the coordinator only stores it.
	Embedding []float32
}

// SearchOptions controls a recall.
type SearchOptions struct {
	Tiers    []model.Tier
	Project  string
	Tags     []string
	TopK     int
	MinScore float64
}

// Result is one recalled record.
type Result struct {
	ID          string     `json:"id"`
	Text        string     `json:"text"`
	Tier        model.Tier `json:"tier"`
	Kind        string     `json:"kind"`
	Tags        []string   `json:"tags,omitempty"`
	Project     string     `json:"project"`
	Score       float64    `json:"score"`
	AccessCount uint32     `json:"access_count"`
	CreatedAt   time.Time  `json:"created_at"`
}

// OptimizationResult reports one promotion cycle to callers.
type OptimizationResult struct {
	PromotedToInsights int   `json:"promoted_to_insights"`
	PromotedToAssets   int   `json:"promoted_to_assets"`
	ExpiredInteract    int   `json:"expired_interact"`
	ExpiredInsights    int   `json:"expired_insights"`
	TotalTimeMS        int64 `json:"total_time_ms"`
	IndexUpdateTimeMS  int64 `json:"index_update_time_ms"`
	PromotionTimeMS    int64 `json:"promotion_time_ms"`
	CleanupTimeMS      int64 `json:"cleanup_time_ms"`
}

// Coordinator composes the tier stores, promotion engine, backup
// manager and the optional semantic index. It owns no records itself:
// each TierStore owns the records currently assigned to it.
type Coordinator struct {
	stores  map[model.Tier]store.TierStore
	engine  *promotion.Engine
	backups *backup.Manager
	index   semantic.Index
	cache   *ristretto.Cache
	metrics *observability.Metrics
	log     *slog.Logger

	// maint serializes optimize against backup/restore. It is advisory:
	// direct TierStore access bypassing the coordinator forfeits it.
	maint sync.Mutex

	indexing sync.WaitGroup
	entropy  *rand.Rand
	entropyM sync.Mutex
}

// Options holds the optional coordinator collaborators.
type Options struct {
	Index   semantic.Index
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// CacheSize is the record cache budget in bytes; 0 disables caching.
	CacheSize int64
}

// NewCoordinator wires the coordinator. stores must cover every tier.
func NewCoordinator(stores map[model.Tier]store.TierStore, engine *promotion.Engine, backups *backup.Manager, opts Options) (*Coordinator, error) {
	for _, tier := range model.Tiers {
		if _, ok := stores[tier]; !ok {
			return nil, fmt.Errorf("no store for tier %s", tier)
		}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var cache *ristretto.Cache
	if opts.CacheSize > 0 {
		var err error
		cache, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: opts.CacheSize / 100,
			MaxCost:     opts.CacheSize,
			BufferItems: 64,
			Metrics:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("create record cache: %w", err)
		}
	}

	return &Coordinator{
		stores:  stores,
		engine:  engine,
		backups: backups,
		index:   opts.Index,
		cache:   cache,
		metrics: opts.Metrics,
		log:     log,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (c *Coordinator) newSessionID() string {
	c.entropyM.Lock()
	defer c.entropyM.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy).String()
}

// Remember stores text as a new record and returns its id. The tier
// comes from the context when given, otherwise Interact. Indexing into
// the semantic index is asynchronous and best effort: its failure is
// logged, never propagated.
func (c *Coordinator) Remember(ctx context.Context, text string, rctx Context) (string, error) {
	tier := rctx.Tier
	if tier == "" {
		tier = model.TierInteract
	}
	if !tier.Valid() {
		return "", fmt.Errorf("unknown tier %q", tier)
	}

	now := time.Now().UTC()
	rec := &model.Record{
		ID:          uuid.NewString(),
		Text:        text,
		Embedding:   rctx.Embedding,
		Tier:        tier,
		Kind:        rctx.Kind,
		Tags:        rctx.Tags,
		Project:     rctx.Project,
		Session:     rctx.Session,
		Score:       defaultScore,
		AccessCount: 1,
		CreatedAt:   now,
		LastAccess:  now,
	}
	if rec.Kind == "" {
		rec.Kind = defaultKind
	}
	if rec.Project == "" {
		rec.Project = defaultProject
	}
	if rec.Session == "" {
		rec.Session = c.newSessionID()
	}
	if rctx.Score != nil {
		rec.Score = *rctx.Score
	}

	if err := c.stores[tier].Put(ctx, rec.ID, rec); err != nil {
		return "", fmt.Errorf("remember: %w", err)
	}
	c.cacheSet(rec)

	if c.index != nil {
		c.indexing.Add(1)
		go func(text, id string, meta map[string]string) {
			defer c.indexing.Done()
			ictx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.index.Ingest(ictx, text, id, meta); err != nil {
				c.log.Warn("semantic indexing failed", "id", id, "error", err)
			}
		}(text, rec.ID, map[string]string{
			"tier":    string(tier),
			"kind":    rec.Kind,
			"project": rec.Project,
		})
	}

	c.log.Debug("remembered", "id", rec.ID, "tier", tier, "bytes", len(text))
	return rec.ID, nil
}

// Get returns a record by id, scanning tiers in priority order. It does
// not count as an access.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.Record, error) {
	if rec := c.cacheGet(id); rec != nil {
		return rec, nil
	}
	for _, tier := range model.Tiers {
		rec, err := c.stores[tier].Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			c.cacheSet(rec)
			return rec, nil
		}
	}
	return nil, nil
}

// Recall searches the requested tiers (default: all, in priority
// order), merges and ranks the hits, and records an access on every
// returned record.
func (c *Coordinator) Recall(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = model.Tiers
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	// Earlier tiers win on duplicate ids: a record mid-promotion may
	// transiently exist in two tiers, and the source tier is current.
	seen := make(map[string]struct{})
	var matched []*model.Record
	for _, tier := range tiers {
		if !tier.Valid() {
			return nil, fmt.Errorf("unknown tier %q", tier)
		}
		recs, err := c.scanTier(ctx, tier, query, opts)
		if err != nil {
			return nil, fmt.Errorf("recall %s: %w", tier, err)
		}
		for _, rec := range recs {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			matched = append(matched, rec)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Score != matched[j].Score {
			return matched[i].Score > matched[j].Score
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > topK {
		matched = matched[:topK]
	}

	results := make([]Result, 0, len(matched))
	for _, rec := range matched {
		if rec.Score < opts.MinScore {
			continue
		}
		c.touch(ctx, rec)
		results = append(results, Result{
			ID:          rec.ID,
			Text:        rec.Text,
			Tier:        rec.Tier,
			Kind:        rec.Kind,
			Tags:        rec.Tags,
			Project:     rec.Project,
			Score:       rec.Score,
			AccessCount: rec.AccessCount,
			CreatedAt:   rec.CreatedAt,
		})
	}
	return results, nil
}

// scanTier runs the lexical match over one tier.
func (c *Coordinator) scanTier(ctx context.Context, tier model.Tier, query string, opts SearchOptions) ([]*model.Record, error) {
	it, err := c.stores[tier].Iterate(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	needle := strings.ToLower(query)
	var recs []*model.Record
	for it.Next() {
		var rec model.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			c.log.Warn("skipping malformed record during recall",
				"tier", tier, "key", it.Key(), "error", err)
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(rec.Text), needle) {
			continue
		}
		if opts.Project != "" && rec.Project != opts.Project {
			continue
		}
		if !hasAllTags(&rec, opts.Tags) {
			continue
		}
		recs = append(recs, &rec)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func hasAllTags(rec *model.Record, tags []string) bool {
	for _, t := range tags {
		if !rec.HasTag(t) {
			return false
		}
	}
	return true
}

// touch records one access on a recalled record, best effort.
func (c *Coordinator) touch(ctx context.Context, rec *model.Record) {
	rec.AccessCount++
	rec.LastAccess = time.Now().UTC()
	if err := c.stores[rec.Tier].Put(ctx, rec.ID, rec); err != nil {
		c.log.Warn("access tracking update failed", "id", rec.ID, "error", err)
		return
	}
	c.cacheSet(rec)
}

// SemanticSearch queries the external semantic index directly. It is an
// enhancement path; base Recall does not depend on it.
func (c *Coordinator) SemanticSearch(ctx context.Context, query string, topK int) ([]semantic.SearchResult, error) {
	if c.index == nil {
		return nil, errors.New("no semantic index configured")
	}
	return c.index.Search(ctx, query, topK)
}

// Forget deletes a record wherever it lives. Returns true if it was
// found in at least one tier; absence is not an error.
func (c *Coordinator) Forget(ctx context.Context, id string) (bool, error) {
	deleted := false
	for _, tier := range model.Tiers {
		ok, err := c.stores[tier].Delete(ctx, id)
		if err != nil {
			return deleted, fmt.Errorf("forget %s: %w", tier, err)
		}
		deleted = deleted || ok
	}
	c.cacheDel(id)

	if c.index != nil {
		if _, err := c.index.Remove(ctx, id); err != nil {
			c.log.Warn("semantic index removal failed", "id", id, "error", err)
		}
	}
	return deleted, nil
}

// Optimize runs exactly one promotion cycle. It never runs concurrently
// with itself or with a backup operation; a held lock surfaces as
// ErrMaintenanceBusy rather than blocking.
func (c *Coordinator) Optimize(ctx context.Context) (*OptimizationResult, error) {
	if !c.maint.TryLock() {
		return nil, ErrMaintenanceBusy
	}
	defer c.maint.Unlock()

	stats, err := c.engine.RunCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("promotion cycle: %w", err)
	}
	// Promoted and expired records leave cached entries stale.
	c.cacheClear()

	return &OptimizationResult{
		PromotedToInsights: stats.InteractToInsights,
		PromotedToAssets:   stats.InsightsToAssets,
		ExpiredInteract:    stats.ExpiredInteract,
		ExpiredInsights:    stats.ExpiredInsights,
		TotalTimeMS:        stats.TotalTimeMS,
		IndexUpdateTimeMS:  stats.IndexUpdateTimeMS,
		PromotionTimeMS:    stats.PromotionTimeMS,
		CleanupTimeMS:      stats.CleanupTimeMS,
	}, nil
}

// CreateBackup exports all tiers into a new archive.
func (c *Coordinator) CreateBackup(ctx context.Context, name string) (string, error) {
	if !c.maint.TryLock() {
		return "", ErrMaintenanceBusy
	}
	defer c.maint.Unlock()
	return c.backups.Create(ctx, c.stores, name)
}

// RestoreBackup restores an archive into the tier stores.
func (c *Coordinator) RestoreBackup(ctx context.Context, archivePath string) (*backup.RestoreResult, error) {
	if !c.maint.TryLock() {
		return nil, ErrMaintenanceBusy
	}
	defer c.maint.Unlock()

	res, err := c.backups.Restore(ctx, archivePath, c.stores)
	if err != nil {
		return nil, err
	}
	c.cacheClear()
	return res, nil
}

// ListBackups returns available archives, newest first.
func (c *Coordinator) ListBackups() ([]backup.Info, error) {
	return c.backups.List()
}

// CleanupBackups deletes all but the keepCount newest archives.
func (c *Coordinator) CleanupBackups(keepCount int) (int, error) {
	return c.backups.Cleanup(keepCount)
}

// VerifyBackup checks an archive without restoring it.
func (c *Coordinator) VerifyBackup(archivePath string) (bool, error) {
	return c.backups.Verify(archivePath)
}

// Close waits for in-flight indexing and closes the tier stores.
func (c *Coordinator) Close() error {
	c.indexing.Wait()
	var firstErr error
	for _, tier := range model.Tiers {
		if err := c.stores[tier].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.cache != nil {
		c.cache.Close()
	}
	return firstErr
}

func (c *Coordinator) cacheGet(id string) *model.Record {
	if c.cache == nil {
		return nil
	}
	v, ok := c.cache.Get(id)
	c.metrics.ObserveCacheLookup(ok)
	if !ok {
		return nil
	}
	rec, ok := v.(*model.Record)
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (c *Coordinator) cacheSet(rec *model.Record) {
	if c.cache == nil {
		return
	}
	cp := *rec
	c.cache.Set(rec.ID, &cp, int64(len(rec.Text))+64)
}

func (c *Coordinator) cacheDel(id string) {
	if c.cache != nil {
		c.cache.Del(id)
	}
}

func (c *Coordinator) cacheClear() {
	if c.cache != nil {
		c.cache.Clear()
	}
}
