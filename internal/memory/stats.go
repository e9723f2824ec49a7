package memory

import (
	"context"
	"fmt"

	"github.com/tiermem/tiermem/internal/model"
	"github.com/tiermem/tiermem/internal/store"
)

// SystemStats aggregates per-tier statistics for operator reporting.
type SystemStats struct {
	Tiers          map[string]*store.TierStats `json:"tiers"`
	TotalRecords   uint64                      `json:"total_records"`
	TotalSizeBytes uint64                      `json:"total_size_bytes"`
	CacheHits      uint64                      `json:"cache_hits"`
	CacheMisses    uint64                      `json:"cache_misses"`
}

// Stats collects statistics from every tier store.
func (c *Coordinator) Stats(ctx context.Context) (*SystemStats, error) {
	out := &SystemStats{Tiers: make(map[string]*store.TierStats, len(model.Tiers))}
	for _, tier := range model.Tiers {
		st, err := c.stores[tier].Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("stats %s: %w", tier, err)
		}
		out.Tiers[string(tier)] = st
		out.TotalRecords += st.TotalItems
		out.TotalSizeBytes += st.TotalSizeBytes
	}
	if c.cache != nil {
		out.CacheHits = c.cache.Metrics.Hits()
		out.CacheMisses = c.cache.Metrics.Misses()
	}
	return out, nil
}
