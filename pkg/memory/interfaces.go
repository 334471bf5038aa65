package memory

import (
	"context"

	"github.com/kioku-ai/kioku/pkg/store"
)

// The tiers depend on these narrow views of the storage backends so tests
// can substitute failing or in-memory fakes.

// DocumentStore is the authoritative record backend.
type DocumentStore interface {
	Put(rec store.Record) error
	Get(id string) (store.Record, bool, error)
	Search(opts store.SearchOptions) ([]store.Record, error)
	Count(opts store.SearchOptions) (int, error)
	Update(id string, content *string, metadata map[string]any) (bool, error)
	Delete(id string) (bool, error)
	Clear(memoryType string) (int, error)
	TimeSpan(memoryType string) (int64, int64, error)
}

// VectorStore is the similarity index.
type VectorStore interface {
	Upsert(ids []string, vectors [][]float32, payloads []map[string]any) error
	Search(query []float32, topK int, filter map[string]any) ([]store.Hit, error)
	Fetch(filter map[string]any, limit int) ([]store.Hit, error)
	DeleteByIDs(ids []string) error
	DeleteByFilter(filter map[string]any) (int, error)
	Clear() error
	Count() (int, error)
}

// GraphStore is the knowledge-graph backend.
type GraphStore interface {
	UpsertNode(id, label string, props map[string]any) error
	UpsertEdge(fromID, toID, edgeType string, props map[string]any) error
	FindNodesByName(pattern string, limit int) ([]store.Node, error)
	DetachDeleteByTag(field string, value any) (int, error)
	Clear() error
	Stats() (nodes, edges int, err error)
}

// LLMClient is the consolidation collaborator. ChatJSON must return a single
// JSON document as text.
type LLMClient interface {
	ChatJSON(ctx context.Context, system, user string) (string, error)
}
