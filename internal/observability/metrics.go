// Package observability groups the Prometheus instruments the memory
// core emits. Callers pass a Registerer; tests use their own registry.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all Prometheus instruments used by the memory core.
// A nil *Metrics disables instrumentation.
type Metrics struct {
	Promotions    *prometheus.CounterVec
	Expiries      *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	BackupOps     *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
}

// NewMetrics registers all instruments against reg under the given
// namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Promotions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_total",
			Help:      "Records promoted, by source and destination tier.",
		}, []string{"from", "to"}),
		Expiries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiries_total",
			Help:      "Records expired without promotion, by tier.",
		}, []string{"tier"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "promotion_cycle_duration_ms",
			Help:      "Wall time of one promotion cycle in milliseconds.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000},
		}),
		BackupOps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_operations_total",
			Help:      "Backup and restore operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_cache_hits_total",
			Help:      "Record cache hits on coordinator lookups.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_cache_misses_total",
			Help:      "Record cache misses on coordinator lookups.",
		}),
	}
}

// ObservePromotion records n promotions for a tier transition.
func (m *Metrics) ObservePromotion(from, to string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Promotions.WithLabelValues(from, to).Add(float64(n))
}

// ObserveExpiry records n expiries in a tier.
func (m *Metrics) ObserveExpiry(tier string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Expiries.WithLabelValues(tier).Add(float64(n))
}

// ObserveCycle records the wall time of one promotion cycle.
func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.CycleDuration.Observe(float64(d.Milliseconds()))
}

// ObserveBackupOp records one backup/restore/verify operation outcome.
func (m *Metrics) ObserveBackupOp(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.BackupOps.WithLabelValues(op, outcome).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}
