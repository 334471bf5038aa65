package memory

import (
	"context"
	"sync"

	"github.com/kioku-ai/kioku/pkg/store"
)

// fakeVectorStore serves canned search results and records writes. Zero
// value is usable.
type fakeVectorStore struct {
	mu         sync.Mutex
	searchHits []store.Hit
	fetchByKey map[string][]store.Hit // keyed by filter["memory_id"]
	upserts    map[string]map[string]any
	searchErr  error
	deletedIDs []string
}

func (f *fakeVectorStore) Upsert(ids []string, vectors [][]float32, payloads []map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upserts == nil {
		f.upserts = map[string]map[string]any{}
	}
	for i, id := range ids {
		f.upserts[id] = payloads[i]
	}
	return nil
}

func (f *fakeVectorStore) Search(query []float32, topK int, filter map[string]any) ([]store.Hit, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	hits := f.searchHits
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeVectorStore) Fetch(filter map[string]any, limit int) ([]store.Hit, error) {
	if id, ok := filter["memory_id"].(string); ok {
		return f.fetchByKey[id], nil
	}
	return nil, nil
}

func (f *fakeVectorStore) DeleteByIDs(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedIDs = append(f.deletedIDs, ids...)
	return nil
}

func (f *fakeVectorStore) DeleteByFilter(filter map[string]any) (int, error) { return 0, nil }
func (f *fakeVectorStore) Clear() error                                     { return nil }
func (f *fakeVectorStore) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts), nil
}

// fakeLLM returns a fixed response and captures the prompt it was given.
type fakeLLM struct {
	mu       sync.Mutex
	response string
	err      error
	calls    []string
}

func (f *fakeLLM) ChatJSON(_ context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, user)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}
