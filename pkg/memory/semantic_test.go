package memory

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/kioku-ai/kioku/pkg/store"
)

func newTestGraph(t *testing.T) *store.GraphStore {
	t.Helper()
	g, err := store.NewGraphStore(filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("open graph store: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestSemanticRequiresBackends(t *testing.T) {
	if _, err := NewSemanticMemory(nil, newTestGraph(t)); err == nil {
		t.Fatal("nil vector store must fail construction")
	}
	if _, err := NewSemanticMemory(&fakeVectorStore{}, nil); err == nil {
		t.Fatal("nil graph store must fail construction")
	}
}

func TestSemanticAddBuildsGraph(t *testing.T) {
	graph := newTestGraph(t)
	vecs := &fakeVectorStore{}
	sem, err := NewSemanticMemory(vecs, graph)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := sem.Add(MemoryItem{ID: "s1", Content: "Alice moved to Kyoto", Timestamp: 100}); err != nil {
		t.Fatalf("add: %v", err)
	}

	nodes, err := graph.FindNodesByName("Kyoto", 10)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("entity node missing: %v err=%v", nodes, err)
	}
	if nodes[0].Props["memory_id"] != "s1" {
		t.Fatalf("node not tagged with memory id: %v", nodes[0].Props)
	}

	// Alice and Kyoto co-occur
	_, edges, err := graph.Stats()
	if err != nil || edges != 1 {
		t.Fatalf("co-occurrence edge missing: edges=%d err=%v", edges, err)
	}

	payload := vecs.upserts["s1"]
	if payload == nil || payload["content"] != "Alice moved to Kyoto" {
		t.Fatalf("vector payload missing content: %v", payload)
	}
	if payload["entity_count"].(int) != 2 {
		t.Fatalf("entity count wrong: %v", payload["entity_count"])
	}
}

func TestSemanticHybridMergeScoring(t *testing.T) {
	graph := newTestGraph(t)

	// candidate A comes from the vector path only, candidate B from the
	// graph path only
	vecs := &fakeVectorStore{
		searchHits: []store.Hit{{
			ID:    "A",
			Score: 0.9,
			Payload: map[string]any{
				"memory_id": "A",
				"content":   "the team uses trunk based development",
			},
		}},
		fetchByKey: map[string][]store.Hit{
			"B": {{
				ID: "B",
				Payload: map[string]any{
					"memory_id":      "B",
					"content":        "the offsite happens in Kyoto",
					"entity_count":   float64(0),
					"relation_count": float64(0),
				},
			}},
		},
	}
	sem, err := NewSemanticMemory(vecs, graph)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := graph.UpsertNode("n1", "entity", map[string]any{"name": "Kyoto", "memory_id": "B"}); err != nil {
		t.Fatalf("seed node: %v", err)
	}

	got, err := sem.Retrieve("Kyoto", RetrieveOptions{TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("both paths should contribute: %v", got)
	}
	if got[0].ID != "A" || got[1].ID != "B" {
		t.Fatalf("ranking wrong: %s, %s", got[0].ID, got[1].ID)
	}

	// vector-only: 0.7*0.9 = 0.63; graph-only with full entity overlap and
	// zero counts: 0.3*0.6 = 0.18
	a := got[0].Metadata["combined_score"].(float64)
	b := got[1].Metadata["combined_score"].(float64)
	if math.Abs(a-0.63) > 1e-9 || math.Abs(b-0.18) > 1e-9 {
		t.Fatalf("combined scores wrong: %f, %f", a, b)
	}

	// probabilities are a softmax over the final scores
	pa := got[0].Metadata["probability"].(float64)
	pb := got[1].Metadata["probability"].(float64)
	if math.Abs(pa+pb-1.0) > 1e-9 || pa <= pb {
		t.Fatalf("probability annotation wrong: %f, %f", pa, pb)
	}
}

func TestSemanticMinScoreThreshold(t *testing.T) {
	vecs := &fakeVectorStore{
		searchHits: []store.Hit{{
			ID:    "weak",
			Score: 0.05,
			Payload: map[string]any{
				"memory_id": "weak",
				"content":   "barely related",
			},
		}},
	}
	sem, err := NewSemanticMemory(vecs, newTestGraph(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := sem.Retrieve("zzz", RetrieveOptions{TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	// 0.7*0.05 = 0.035 < 0.1
	if len(got) != 0 {
		t.Fatalf("weak results must be dropped: %v", got)
	}
}

func TestSemanticContentDedup(t *testing.T) {
	vecs := &fakeVectorStore{
		searchHits: []store.Hit{
			{ID: "a", Score: 0.9, Payload: map[string]any{"memory_id": "a", "content": "same fact"}},
			{ID: "b", Score: 0.5, Payload: map[string]any{"memory_id": "b", "content": "same fact"}},
		},
	}
	sem, err := NewSemanticMemory(vecs, newTestGraph(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := sem.Retrieve("fact", RetrieveOptions{TopK: 5})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("dedup should keep the best duplicate: %v", got)
	}
}

func TestSemanticRemoveDetachesGraph(t *testing.T) {
	graph := newTestGraph(t)
	realVecs, err := store.NewVectorStore(filepath.Join(t.TempDir(), "vec.db"), "semantic")
	if err != nil {
		t.Fatalf("open vector store: %v", err)
	}
	t.Cleanup(func() { realVecs.Close() })

	sem, err := NewSemanticMemory(realVecs, graph)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := sem.Add(MemoryItem{ID: "s1", Content: "Bob runs the Tokyo office", Timestamp: 1}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ok, err := sem.Remove("s1")
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	if n, _ := realVecs.Count(); n != 0 {
		t.Fatalf("vector point should be gone, count=%d", n)
	}
	nodes, _, err := graph.Stats()
	if err != nil || nodes != 0 {
		t.Fatalf("graph footprint should be gone, nodes=%d err=%v", nodes, err)
	}

	ok, err = sem.Remove("s1")
	if err != nil || ok {
		t.Fatalf("second remove should report false: ok=%v err=%v", ok, err)
	}
}

func TestSemanticUpdateMergesMetadata(t *testing.T) {
	graph := newTestGraph(t)
	realVecs, err := store.NewVectorStore(filepath.Join(t.TempDir(), "vec.db"), "semantic")
	if err != nil {
		t.Fatalf("open vector store: %v", err)
	}
	t.Cleanup(func() { realVecs.Close() })

	sem, err := NewSemanticMemory(realVecs, graph)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := sem.Add(MemoryItem{
		ID: "s1", Content: "Alice moved to Kyoto", Timestamp: 100,
		Metadata: map[string]any{
			"importance":          0.8,
			"source_episodic_ids": []string{"e1", "e2"},
		},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}

	ok, err := sem.Update("s1", "Alice moved to Osaka", map[string]any{"edited": true})
	if err != nil || !ok {
		t.Fatalf("update: ok=%v err=%v", ok, err)
	}

	hits, err := realVecs.Fetch(map[string]any{"memory_id": "s1"}, 1)
	if err != nil || len(hits) != 1 {
		t.Fatalf("refetch: %v err=%v", hits, err)
	}
	payload := hits[0].Payload
	if payload["content"] != "Alice moved to Osaka" {
		t.Fatalf("content not replaced: %v", payload["content"])
	}
	if payload["edited"] != true {
		t.Fatalf("new metadata missing: %v", payload)
	}
	if imp, _ := payload["importance"].(float64); imp != 0.8 {
		t.Fatalf("stored importance lost on update: %v", payload["importance"])
	}
	if _, ok := payload["source_episodic_ids"]; !ok {
		t.Fatalf("source ids lost on update: %v", payload)
	}

	ok, err = sem.Update("missing", "anything", nil)
	if err != nil || ok {
		t.Fatalf("unknown id should report false: ok=%v err=%v", ok, err)
	}
}

func TestSemanticAddWithKnowledgeSkipsUnknownEndpoints(t *testing.T) {
	graph := newTestGraph(t)
	vecs := &fakeVectorStore{}
	sem, err := NewSemanticMemory(vecs, graph)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	entities := []Entity{
		{Name: "Alice", Type: "person"},
		{Name: "Kyoto", Type: "place"},
	}
	relations := []Relation{
		{From: entityID("Alice", "person"), To: entityID("Kyoto", "place"), Type: "LIVES_IN", Strength: 0.9},
		{From: entityID("Alice", "person"), To: "nonexistent", Type: "KNOWS", Strength: 0.9},
	}
	item := MemoryItem{ID: "s1", Content: "Alice lives in Kyoto", Timestamp: 1}
	if err := sem.AddWithKnowledge(item, entities, relations); err != nil {
		t.Fatalf("add with knowledge: %v", err)
	}

	nodes, edges, err := graph.Stats()
	if err != nil || nodes != 2 || edges != 1 {
		t.Fatalf("expected 2 nodes 1 edge, got %d/%d err=%v", nodes, edges, err)
	}
	if vecs.upserts["s1"]["relation_count"].(int) != 1 {
		t.Fatalf("stored relation count wrong: %v", vecs.upserts["s1"])
	}
}
