// Package store provides the tier storage interface and its SQLite and
// in-memory implementations. Each tier of the memory system is backed by
// its own TierStore instance.
package store

import (
	"context"
	"time"

	"github.com/tiermem/tiermem/internal/model"
)

// TierStore is the capability set a tier backend must provide. Any
// backend satisfying it (embedded SQL, in-memory, file based) can hold a
// tier. Implementations must provide per-key atomicity for single
// Put/Get/Delete calls; callers layer coarser coordination on top.
//
// Get performs a pure lookup and never mutates access tracking; whether
// a read counts as an access is the caller's policy, which keeps dry-run
// reads possible.
type TierStore interface {
	// Put stores or overwrites a record under key.
	Put(ctx context.Context, key string, rec *model.Record) error

	// PutBatch stores records keyed by their ids, atomically: either
	// every record is written or none are.
	PutBatch(ctx context.Context, recs []*model.Record) error

	// Get returns the record under key, or nil if absent.
	Get(ctx context.Context, key string) (*model.Record, error)

	// Delete removes the record under key. Returns false if it was absent.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether a record is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// ListKeys returns all keys currently in the store.
	ListKeys(ctx context.Context) ([]string, error)

	// Iterate returns a fresh, non-resumable iterator over all records.
	// Values are the serialized record JSON as stored.
	Iterate(ctx context.Context) (Iterator, error)

	// Stats returns aggregate statistics for the tier.
	Stats(ctx context.Context) (*TierStats, error)

	// Close releases backend resources.
	Close() error
}

// Iterator yields (key, serialized record) pairs. The contract follows
// database/sql rows: call Next until it returns false, then check Err.
type Iterator interface {
	Next() bool
	Key() string
	Value() []byte
	Err() error
	Close() error
}

// TierStats holds aggregate statistics for one tier.
type TierStats struct {
	TotalItems     uint64     `json:"total_items"`
	TotalSizeBytes uint64     `json:"total_size_bytes"`
	OldestItem     *time.Time `json:"oldest_item,omitempty"`
	NewestItem     *time.Time `json:"newest_item,omitempty"`
	AvgAccessCount float64    `json:"avg_access_count"`
}
