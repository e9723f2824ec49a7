package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiermem/tiermem/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "interact.db"), model.TierInteract)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string) *model.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Record{
		ID:          id,
		Text:        "remember " + id,
		Tier:        model.TierInteract,
		Kind:        "general",
		Project:     "default",
		Session:     "sess-1",
		Score:       0.5,
		AccessCount: 1,
		CreatedAt:   now,
		LastAccess:  now,
	}
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord("r1")
	rec.Tags = []string{"alpha", "beta"}
	if err := s.Put(ctx, rec.ID, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.Text != rec.Text {
		t.Errorf("expected text %q, got %q", rec.Text, got.Text)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "alpha" {
		t.Errorf("tags not round-tripped: %v", got.Tags)
	}
	// Get is a pure lookup, access_count must be untouched
	if got.AccessCount != 1 {
		t.Errorf("expected access_count 1, got %d", got.AccessCount)
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing key, got %+v", got)
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord("r1")
	s.Put(ctx, rec.ID, rec)

	rec.Text = "updated"
	rec.AccessCount = 7
	if err := s.Put(ctx, rec.ID, rec); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, _ := s.Get(ctx, "r1")
	if got.Text != "updated" {
		t.Errorf("expected overwrite, got %q", got.Text)
	}
	if got.AccessCount != 7 {
		t.Errorf("expected access_count 7, got %d", got.AccessCount)
	}
	keys, _ := s.ListKeys(ctx)
	if len(keys) != 1 {
		t.Errorf("expected 1 key after overwrite, got %d", len(keys))
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord("r1")
	rec.ID = ""
	if err := s.Put(ctx, "r1", rec); err == nil {
		t.Error("expected error for empty id")
	}

	rec = testRecord("r2")
	rec.AccessCount = 0
	if err := s.Put(ctx, "r2", rec); err == nil {
		t.Error("expected error for zero access_count")
	}
}

func TestPutBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	batch := []*model.Record{testRecord("a"), testRecord("b"), testRecord("c")}
	if err := s.PutBatch(ctx, batch); err != nil {
		t.Fatalf("put batch: %v", err)
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 records, got %d", len(keys))
	}
}

func TestPutBatchAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bad := testRecord("bad")
	bad.AccessCount = 0
	batch := []*model.Record{testRecord("a"), bad, testRecord("b")}

	if err := s.PutBatch(ctx, batch); err == nil {
		t.Fatal("expected error for invalid record in batch")
	}

	// The failed batch must leave nothing behind, valid records included.
	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty store after failed batch, got %v", keys)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := testRecord("r1")
	s.Put(ctx, rec.ID, rec)

	deleted, err := s.Delete(ctx, "r1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}

	deleted, err = s.Delete(ctx, "r1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Error("expected deleted=false for absent key")
	}
}

func TestExistsAndListKeys(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"c", "a", "b"} {
		s.Put(ctx, id, testRecord(id))
	}

	ok, err := s.Exists(ctx, "b")
	if err != nil || !ok {
		t.Errorf("expected b to exist: ok=%v err=%v", ok, err)
	}
	ok, _ = s.Exists(ctx, "z")
	if ok {
		t.Error("expected z to be absent")
	}

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	if keys[0] != "a" || keys[2] != "c" {
		t.Errorf("expected sorted keys, got %v", keys)
	}
}

func TestIterate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		s.Put(ctx, id, testRecord(id))
	}

	it, err := s.Iterate(ctx)
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	defer it.Close()

	seen := 0
	for it.Next() {
		if it.Key() == "" {
			t.Error("empty key from iterator")
		}
		var rec model.Record
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			t.Fatalf("decode iterated value: %v", err)
		}
		if rec.ID != it.Key() {
			t.Errorf("key %q does not match record id %q", it.Key(), rec.ID)
		}
		seen++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if seen != 2 {
		t.Errorf("expected 2 records, saw %d", seen)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalItems != 0 || st.OldestItem != nil {
		t.Errorf("expected empty stats, got %+v", st)
	}

	r1 := testRecord("r1")
	r1.AccessCount = 2
	r2 := testRecord("r2")
	r2.AccessCount = 4
	s.Put(ctx, r1.ID, r1)
	s.Put(ctx, r2.ID, r2)

	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalItems != 2 {
		t.Errorf("expected 2 items, got %d", st.TotalItems)
	}
	if st.TotalSizeBytes == 0 {
		t.Error("expected non-zero size")
	}
	if st.AvgAccessCount != 3 {
		t.Errorf("expected avg access 3, got %f", st.AvgAccessCount)
	}
	if st.OldestItem == nil || st.NewestItem == nil {
		t.Fatal("expected oldest/newest timestamps")
	}
}

func TestReopenPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "insights.db")

	s, err := NewSQLiteStore(path, model.TierInsights)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	rec := testRecord("r1")
	rec.Tier = model.TierInsights
	if err := s.Put(ctx, rec.ID, rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path, model.TierInsights)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got == nil || got.Text != rec.Text {
		t.Errorf("record not persisted across reopen: %+v", got)
	}
}
