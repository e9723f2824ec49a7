package memory

import (
	"context"

	"github.com/tiermem/tiermem/internal/model"
)

// Health status values, from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthReport rolls up per-component checks. A failed tier store makes
// the system unhealthy; a failed auxiliary (backup dir, semantic index)
// only degrades it.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Health probes every component the coordinator composes.
func (c *Coordinator) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Components: make(map[string]string),
	}

	for _, tier := range model.Tiers {
		name := "store_" + string(tier)
		if _, err := c.stores[tier].Stats(ctx); err != nil {
			report.Components[name] = err.Error()
			report.Status = StatusUnhealthy
			continue
		}
		report.Components[name] = StatusHealthy
	}

	if err := c.backups.Check(); err != nil {
		report.Components["backups"] = err.Error()
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	} else {
		report.Components["backups"] = StatusHealthy
	}

	if c.index != nil {
		if _, err := c.index.Search(ctx, "health probe", 1); err != nil {
			report.Components["semantic_index"] = err.Error()
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		} else {
			report.Components["semantic_index"] = StatusHealthy
		}
	}

	return report
}
