package store

import (
	"context"
	"testing"

	"github.com/tiermem/tiermem/internal/model"
)

func TestMemoryStoreBasics(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(model.TierInteract)

	rec := testRecord("r1")
	if err := s.Put(ctx, rec.ID, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Text != rec.Text {
		t.Errorf("round trip failed: %+v", got)
	}

	missing, err := s.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for missing key, got (%+v, %v)", missing, err)
	}

	deleted, _ := s.Delete(ctx, "r1")
	if !deleted {
		t.Error("expected deleted=true")
	}
	deleted, _ = s.Delete(ctx, "r1")
	if deleted {
		t.Error("expected deleted=false on repeat")
	}
}

func TestMemoryStorePutBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(model.TierInteract)

	bad := testRecord("bad")
	bad.AccessCount = 0
	if err := s.PutBatch(ctx, []*model.Record{testRecord("a"), bad}); err == nil {
		t.Fatal("expected error for invalid record in batch")
	}
	keys, _ := s.ListKeys(ctx)
	if len(keys) != 0 {
		t.Errorf("expected empty store after failed batch, got %v", keys)
	}

	if err := s.PutBatch(ctx, []*model.Record{testRecord("a"), testRecord("b")}); err != nil {
		t.Fatalf("put batch: %v", err)
	}
	keys, _ = s.ListKeys(ctx)
	if len(keys) != 2 {
		t.Errorf("expected 2 records, got %d", len(keys))
	}
}

func TestMemoryStoreIterateSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(model.TierInteract)

	s.Put(ctx, "a", testRecord("a"))
	s.Put(ctx, "b", testRecord("b"))

	it, err := s.Iterate(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	defer it.Close()

	// Writes after the iterator is created are not observed.
	s.Put(ctx, "c", testRecord("c"))

	seen := 0
	for it.Next() {
		seen++
	}
	if seen != 2 {
		t.Errorf("expected snapshot of 2 records, saw %d", seen)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(model.TierAssets)

	r1 := testRecord("r1")
	r1.Tier = model.TierAssets
	r1.AccessCount = 3
	s.Put(ctx, r1.ID, r1)

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalItems != 1 {
		t.Errorf("expected 1 item, got %d", st.TotalItems)
	}
	if st.AvgAccessCount != 3 {
		t.Errorf("expected avg access 3, got %f", st.AvgAccessCount)
	}
	if st.OldestItem == nil {
		t.Error("expected oldest timestamp")
	}
}
