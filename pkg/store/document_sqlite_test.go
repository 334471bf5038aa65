package store

import (
	"path/filepath"
	"testing"
)

func newTestDocStore(t *testing.T) *DocumentStore {
	t.Helper()
	s, err := NewDocumentStore(filepath.Join(t.TempDir(), "docs.db"))
	if err != nil {
		t.Fatalf("open document store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDocumentStorePutGet(t *testing.T) {
	s := newTestDocStore(t)

	rec := Record{
		ID:         "mem-1",
		UserID:     "alice",
		GroupID:    "g1",
		MemoryType: "episodic",
		Content:    "we decided to ship on friday",
		Timestamp:  1700000000,
		Metadata:   map[string]any{"consolidated": false, "importance": 0.8},
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := s.Get("mem-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Content != rec.Content || got.GroupID != "g1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if v, _ := got.Metadata["consolidated"].(bool); v {
		t.Fatalf("expected consolidated=false, got %v", got.Metadata["consolidated"])
	}

	// replace by id
	rec.Content = "updated"
	if err := s.Put(rec); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	got, _, _ = s.Get("mem-1")
	if got.Content != "updated" {
		t.Fatalf("put should replace, got %q", got.Content)
	}

	_, ok, err = s.Get("missing")
	if err != nil || ok {
		t.Fatalf("missing id should be (false, nil), got ok=%v err=%v", ok, err)
	}
}

func TestDocumentStoreSearchFilters(t *testing.T) {
	s := newTestDocStore(t)

	seed := []Record{
		{ID: "a", GroupID: "g1", UserID: "u1", MemoryType: "episodic", Content: "one", Timestamp: 100,
			Metadata: map[string]any{"consolidated": false}},
		{ID: "b", GroupID: "g1", UserID: "u2", MemoryType: "episodic", Content: "two", Timestamp: 200,
			Metadata: map[string]any{"consolidated": true}},
		{ID: "c", GroupID: "g2", UserID: "u1", MemoryType: "semantic", Content: "three", Timestamp: 300,
			Metadata: map[string]any{"consolidated": false}},
	}
	for _, r := range seed {
		if err := s.Put(r); err != nil {
			t.Fatalf("seed %s: %v", r.ID, err)
		}
	}

	got, err := s.Search(SearchOptions{GroupID: "g1", MemoryType: "episodic", OrderBy: "timestamp ASC"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("scope search wrong: %+v", got)
	}

	got, err = s.Search(SearchOptions{Metadata: map[string]any{"consolidated": false}, OrderBy: "timestamp ASC"})
	if err != nil {
		t.Fatalf("metadata search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("metadata filter wrong: %+v", got)
	}

	got, err = s.Search(SearchOptions{StartTime: 150, EndTime: 250})
	if err != nil {
		t.Fatalf("time range search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("time range filter wrong: %+v", got)
	}

	got, err = s.Search(SearchOptions{OrderBy: "timestamp ASC", Limit: 2})
	if err != nil {
		t.Fatalf("limit search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit not applied: %d", len(got))
	}

	// unknown order columns fall back rather than injecting
	if _, err := s.Search(SearchOptions{OrderBy: "id; DROP TABLE memories"}); err != nil {
		t.Fatalf("hostile order should be ignored, got %v", err)
	}
	if n, _ := s.Count(SearchOptions{}); n != 3 {
		t.Fatalf("table damaged, count=%d", n)
	}
}

func TestDocumentStoreUpdateDelete(t *testing.T) {
	s := newTestDocStore(t)
	if err := s.Put(Record{ID: "x", Content: "before", MemoryType: "episodic", Timestamp: 10}); err != nil {
		t.Fatalf("put: %v", err)
	}

	content := "after"
	ok, err := s.Update("x", &content, map[string]any{"consolidated": true})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}
	got, _, _ := s.Get("x")
	if got.Content != "after" {
		t.Fatalf("content not updated: %q", got.Content)
	}
	if v, _ := got.Metadata["consolidated"].(bool); !v {
		t.Fatalf("metadata not updated: %v", got.Metadata)
	}

	ok, err = s.Update("missing", &content, nil)
	if err != nil || ok {
		t.Fatalf("update of missing id should be (false, nil), got ok=%v err=%v", ok, err)
	}

	ok, err = s.Delete("x")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = s.Delete("x")
	if err != nil || ok {
		t.Fatalf("second delete should report missing, got ok=%v err=%v", ok, err)
	}
}

func TestDocumentStoreCountAndClear(t *testing.T) {
	s := newTestDocStore(t)
	for i, id := range []string{"a", "b", "c"} {
		tp := "episodic"
		if id == "c" {
			tp = "semantic"
		}
		if err := s.Put(Record{ID: id, MemoryType: tp, Content: id, Timestamp: int64(i)}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if n, err := s.Count(SearchOptions{MemoryType: "episodic"}); err != nil || n != 2 {
		t.Fatalf("count episodic: n=%d err=%v", n, err)
	}
	removed, err := s.Clear("episodic")
	if err != nil || removed != 2 {
		t.Fatalf("clear: removed=%d err=%v", removed, err)
	}
	if n, _ := s.Count(SearchOptions{}); n != 1 {
		t.Fatalf("semantic record should survive, count=%d", n)
	}
}
