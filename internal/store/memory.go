package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiermem/tiermem/internal/model"
)

// MemoryStore implements TierStore with an in-process map. It backs
// tests and short-lived agents that do not need durability.
type MemoryStore struct {
	tier model.Tier

	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory tier store.
func NewMemoryStore(tier model.Tier) *MemoryStore {
	return &MemoryStore{
		tier:    tier,
		records: make(map[string][]byte),
	}
}

// Tier returns the tier this store backs.
func (s *MemoryStore) Tier() model.Tier { return s.tier }

func (s *MemoryStore) Put(_ context.Context, key string, rec *model.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	s.mu.Lock()
	s.records[key] = b
	s.mu.Unlock()
	return nil
}

// PutBatch validates and encodes every record before touching the map,
// so a bad record leaves the store unchanged.
func (s *MemoryStore) PutBatch(_ context.Context, recs []*model.Record) error {
	encoded := make(map[string][]byte, len(recs))
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("batch put: %w", err)
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		encoded[rec.ID] = b
	}
	s.mu.Lock()
	for k, v := range encoded {
		s.records[k] = v
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*model.Record, error) {
	s.mu.RLock()
	b, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var rec model.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.records[key]
	s.mu.RUnlock()
	return ok, nil
}

func (s *MemoryStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

type memoryIterator struct {
	keys []string
	vals [][]byte
	pos  int
}

func (it *memoryIterator) Next() bool {
	if it.pos >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}

func (it *memoryIterator) Key() string   { return it.keys[it.pos-1] }
func (it *memoryIterator) Value() []byte { return it.vals[it.pos-1] }
func (it *memoryIterator) Err() error    { return nil }
func (it *memoryIterator) Close() error  { return nil }

// Iterate snapshots the current contents; writes during iteration are
// not observed, matching the fresh-iterator-per-call contract.
func (s *MemoryStore) Iterate(_ context.Context) (Iterator, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		b := make([]byte, len(s.records[k]))
		copy(b, s.records[k])
		vals[i] = b
	}
	s.mu.RUnlock()
	return &memoryIterator{keys: keys, vals: vals}, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*TierStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &TierStats{TotalItems: uint64(len(s.records))}
	var accessSum uint64
	var oldest, newest time.Time
	for _, b := range s.records {
		st.TotalSizeBytes += uint64(len(b))
		var rec model.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			continue
		}
		accessSum += uint64(rec.AccessCount)
		if oldest.IsZero() || rec.CreatedAt.Before(oldest) {
			oldest = rec.CreatedAt
		}
		if newest.IsZero() || rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}
	if st.TotalItems > 0 {
		st.AvgAccessCount = float64(accessSum) / float64(st.TotalItems)
		o, n := oldest, newest
		st.OldestItem = &o
		st.NewestItem = &n
	}
	return st, nil
}

func (s *MemoryStore) Close() error { return nil }
