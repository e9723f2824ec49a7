// Package promotion moves records between tiers. One cycle scans each
// non-terminal tier, promotes records that earned it, and expires the
// rest once they outlive their TTL. Assets is terminal: nothing is
// evicted from it.
package promotion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tiermem/tiermem/internal/model"
	"github.com/tiermem/tiermem/internal/observability"
	"github.com/tiermem/tiermem/internal/store"
)

// Stats reports the outcome of one promotion cycle. A fresh value is
// produced per cycle and not mutated after return.
type Stats struct {
	InteractToInsights int `json:"interact_to_insights"`
	InsightsToAssets   int `json:"insights_to_assets"`
	ExpiredInteract    int `json:"expired_interact"`
	ExpiredInsights    int `json:"expired_insights"`

	PromotionTimeMS   int64 `json:"promotion_time_ms"`
	IndexUpdateTimeMS int64 `json:"index_update_time_ms"`
	CleanupTimeMS     int64 `json:"cleanup_time_ms"`
	TotalTimeMS       int64 `json:"total_time_ms"`
}

// Engine executes promotion cycles across the tier chain. It reads and
// writes the tier stores directly; serializing cycles against each other
// and against backups is the coordinator's job.
type Engine struct {
	stores   map[model.Tier]store.TierStore
	policies map[model.Tier]model.PromotionPolicy
	metrics  *observability.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewEngine builds an engine over the given tier stores. policies is
// keyed by source tier; a tier without a policy is skipped.
func NewEngine(stores map[model.Tier]store.TierStore, policies map[model.Tier]model.PromotionPolicy, metrics *observability.Metrics, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		stores:   stores,
		policies: policies,
		metrics:  metrics,
		log:      log,
		now:      time.Now,
	}
}

// RunCycle executes one full promotion/expiry pass and returns its
// stats. Within the cycle, promotion is evaluated before expiry for
// every record, and a record moves at most one tier: transitions run
// far-to-near (Insights→Assets before Interact→Insights) and the expiry
// pass skips anything promoted in this cycle.
func (e *Engine) RunCycle(ctx context.Context) (*Stats, error) {
	start := e.now()
	stats := &Stats{}

	// Snapshot source keys up front. The engine keeps no persistent
	// secondary index; this per-cycle snapshot stands in for one and
	// pins the working set before promotion starts mutating tiers.
	idxStart := e.now()
	snapshots := make(map[model.Tier][]string, len(model.Tiers))
	for _, tier := range model.Tiers {
		if _, terminal := e.promotable(tier); !terminal {
			continue
		}
		st, ok := e.stores[tier]
		if !ok {
			return nil, fmt.Errorf("no store for tier %s", tier)
		}
		keys, err := st.ListKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", tier, err)
		}
		snapshots[tier] = keys
	}
	stats.IndexUpdateTimeMS = e.now().Sub(idxStart).Milliseconds()

	// Promotion phase, far transitions first so a record promoted this
	// cycle is never re-evaluated against its new tier until the next.
	promoted := make(map[model.Tier]map[string]struct{})
	promStart := e.now()
	n, err := e.promoteTier(ctx, model.TierInsights, snapshots[model.TierInsights], promoted)
	if err != nil {
		return nil, err
	}
	stats.InsightsToAssets = n

	n, err = e.promoteTier(ctx, model.TierInteract, snapshots[model.TierInteract], promoted)
	if err != nil {
		return nil, err
	}
	stats.InteractToInsights = n
	stats.PromotionTimeMS = e.now().Sub(promStart).Milliseconds()

	// Cleanup phase. Only records that were neither promoted now nor
	// moved here this cycle are candidates.
	cleanStart := e.now()
	n, err = e.expireTier(ctx, model.TierInteract, promoted[model.TierInteract])
	if err != nil {
		return nil, err
	}
	stats.ExpiredInteract = n

	n, err = e.expireTier(ctx, model.TierInsights, promoted[model.TierInsights])
	if err != nil {
		return nil, err
	}
	stats.ExpiredInsights = n
	stats.CleanupTimeMS = e.now().Sub(cleanStart).Milliseconds()

	stats.TotalTimeMS = e.now().Sub(start).Milliseconds()
	e.metrics.ObserveCycle(e.now().Sub(start))
	e.log.Info("promotion cycle complete",
		"interact_to_insights", stats.InteractToInsights,
		"insights_to_assets", stats.InsightsToAssets,
		"expired_interact", stats.ExpiredInteract,
		"expired_insights", stats.ExpiredInsights,
		"total_ms", stats.TotalTimeMS)
	return stats, nil
}

// promotable returns the destination tier for src, and whether src
// participates in promotion at all.
func (e *Engine) promotable(src model.Tier) (model.Tier, bool) {
	dst, ok := src.Next()
	if !ok {
		return "", false
	}
	if _, ok := e.policies[src]; !ok {
		return "", false
	}
	return dst, true
}

// promoteTier moves eligible records from src into its destination.
// Per record the transfer is insert-then-delete: a failed insert is
// logged and the record skipped; a failed delete after a successful
// insert leaves a transient duplicate that recall resolves in favor of
// the source tier, and the next cycle completes the delete.
func (e *Engine) promoteTier(ctx context.Context, src model.Tier, keys []string, promoted map[model.Tier]map[string]struct{}) (int, error) {
	dst, ok := e.promotable(src)
	if !ok {
		return 0, nil
	}
	srcStore := e.stores[src]
	dstStore, ok := e.stores[dst]
	if !ok {
		return 0, fmt.Errorf("no store for tier %s", dst)
	}
	policy := e.policies[src]

	count := 0
	for _, key := range keys {
		rec, err := srcStore.Get(ctx, key)
		if err != nil {
			e.log.Warn("promotion read failed", "tier", src, "key", key, "error", err)
			continue
		}
		if rec == nil {
			continue // deleted since the snapshot
		}
		if !policy.ShouldPromote(rec) {
			continue
		}

		rec.Tier = dst
		if err := dstStore.Put(ctx, key, rec); err != nil {
			e.log.Warn("promotion insert failed, skipping record",
				"from", src, "to", dst, "key", key, "error", err)
			continue
		}
		if promoted[dst] == nil {
			promoted[dst] = make(map[string]struct{})
		}
		promoted[dst][key] = struct{}{}
		count++

		if _, err := srcStore.Delete(ctx, key); err != nil {
			// The record now exists in both tiers. Recall prefers the
			// earlier tier and the next cycle retries the delete.
			e.log.Warn("promotion delete failed, record transiently duplicated",
				"from", src, "to", dst, "key", key, "error", err)
		}
	}
	e.metrics.ObservePromotion(string(src), string(dst), count)
	return count, nil
}

// expireTier deletes records older than the tier TTL, skipping anything
// promoted into the tier during this cycle.
func (e *Engine) expireTier(ctx context.Context, tier model.Tier, skip map[string]struct{}) (int, error) {
	policy, ok := e.policies[tier]
	if !ok {
		return 0, nil
	}
	st, ok := e.stores[tier]
	if !ok {
		return 0, fmt.Errorf("no store for tier %s", tier)
	}

	now := e.now()
	count := 0
	it, err := st.Iterate(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire %s: %w", tier, err)
	}
	defer it.Close()

	var expired []string
	for it.Next() {
		if _, ok := skip[it.Key()]; ok {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			e.log.Warn("skipping malformed record during expiry",
				"tier", tier, "key", it.Key(), "error", err)
			continue
		}
		if policy.ShouldExpire(&rec, now) {
			expired = append(expired, it.Key())
		}
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("expire scan %s: %w", tier, err)
	}

	for _, key := range expired {
		ok, err := st.Delete(ctx, key)
		if err != nil {
			e.log.Warn("expiry delete failed", "tier", tier, "key", key, "error", err)
			continue
		}
		if ok {
			count++
		}
	}
	e.metrics.ObserveExpiry(string(tier), count)
	return count, nil
}
