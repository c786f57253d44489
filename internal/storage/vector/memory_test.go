package vector

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_Create_Upsert_Search(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	idx := &Index{Name: "idx1", Dimension: 2, Distance: "cosine"}
	if err := s.Create(ctx, idx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	vecs := []*Vector{
		{ID: "v1", Values: []float64{1, 0}, Metadata: map[string]any{"file_name": "a.txt"}},
		{ID: "v2", Values: []float64{0, 1}, Metadata: map[string]any{"file_name": "b.txt"}},
	}
	if err := s.Upsert(ctx, "idx1", vecs); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	results, err := s.Search(ctx, "idx1", []float64{1, 0}, &SearchOptions{TopK: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search: expected 2 results, got %d", len(results))
	}
	if results[0].ID != "v1" {
		t.Errorf("Search: expected v1 first (cosine sim), got %s", results[0].ID)
	}

	filtered, err := s.Search(ctx, "idx1", []float64{1, 0}, &SearchOptions{TopK: 2, Filter: map[string]string{"file_name": "b.txt"}})
	if err != nil {
		t.Fatalf("Search filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != "v2" {
		t.Errorf("filtered search: %+v", filtered)
	}
}

func TestMemoryStore_UpsertOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, &Index{Name: "i", Dimension: 1})
	_ = s.Upsert(ctx, "i", []*Vector{{ID: "v", Values: []float64{1}}})
	_ = s.Upsert(ctx, "i", []*Vector{{ID: "v", Values: []float64{2}}})
	if got := s.Count("i"); got != 1 {
		t.Errorf("Count: %d", got)
	}
}

func TestMemoryStore_Exists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ok, err := s.Exists(ctx, "missing", map[string]string{"file_name": "a"})
	if err != nil || ok {
		t.Fatalf("missing index: ok=%v err=%v", ok, err)
	}
	_ = s.Create(ctx, &Index{Name: "i", Dimension: 1})
	_ = s.Upsert(ctx, "i", []*Vector{{ID: "v", Values: []float64{1}, Metadata: map[string]any{FileKeyField: "a.pdf", "chunk_index": 0}}})

	ing := NewIngestedIndex(s, "i")
	if ok, _ := ing.AlreadyIngested(ctx, "a.pdf"); !ok {
		t.Error("a.pdf should be ingested")
	}
	if ok, _ := ing.AlreadyIngested(ctx, "b.pdf"); ok {
		t.Error("b.pdf should not be ingested")
	}
	if ok, _ := s.Exists(ctx, "i", map[string]string{"chunk_index": "0"}); !ok {
		t.Error("non-string metadata should match by its text form")
	}
}

func TestMemoryStore_Create_DuplicateIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	idx := &Index{Name: "x", Dimension: 2}
	_ = s.Create(ctx, idx)
	if err := s.Create(ctx, idx); err == nil {
		t.Error("Create duplicate index should error")
	}
	if err := EnsureIndex(ctx, s, "x", 2, ""); err != nil {
		t.Errorf("EnsureIndex on existing index: %v", err)
	}
}

func TestMemoryStore_Upsert_IndexNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.Upsert(ctx, "missing", []*Vector{{ID: "v1", Values: []float64{1}}})
	if !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("Upsert to missing index: %v", err)
	}
}

func TestMemoryStore_Upsert_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, &Index{Name: "i", Dimension: 2})
	err := s.Upsert(ctx, "i", []*Vector{
		{ID: "ok", Values: []float64{1, 0}},
		{ID: "bad", Values: []float64{1, 0, 0}},
	})
	if err == nil {
		t.Fatal("Upsert with wrong dimension should error")
	}
	if s.Count("i") != 0 {
		t.Error("a rejected batch must not be partially written")
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, &Index{Name: "i", Dimension: 1})
	_ = s.Upsert(ctx, "i", []*Vector{{ID: "a", Values: []float64{1}}, {ID: "b", Values: []float64{1}}})
	if err := s.Delete(ctx, "i", []string{"a", "zzz"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Count("i") != 1 {
		t.Errorf("Count after delete: %d", s.Count("i"))
	}
}
