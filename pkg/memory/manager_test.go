package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kioku-ai/kioku/pkg/store"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ManagerOptions, cfg Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	docs, err := store.NewDocumentStore(filepath.Join(dir, "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	epVecs, err := store.NewVectorStore(filepath.Join(dir, "vec.db"), "episodic")
	require.NoError(t, err)
	t.Cleanup(func() { epVecs.Close() })

	semVecs, err := store.NewVectorStore(filepath.Join(dir, "vec.db"), "semantic")
	require.NoError(t, err)
	t.Cleanup(func() { semVecs.Close() })

	graph, err := store.NewGraphStore(filepath.Join(dir, "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	mgr, err := NewManager(cfg, opts, docs, epVecs, semVecs, graph)
	require.NoError(t, err)
	return mgr
}

func allTiers() ManagerOptions {
	return ManagerOptions{EnableWorking: true, EnableEpisodic: true, EnableSemantic: true}
}

func TestManagerAddDisabledTier(t *testing.T) {
	mgr := newTestManager(t, ManagerOptions{EnableWorking: true}, Config{})

	if _, err := mgr.AddMemory("x", TypeEpisodic, "g", "u", nil); err == nil {
		t.Fatal("disabled tier must reject adds")
	}
	if _, err := mgr.AddMemory("x", MemoryType("bogus"), "g", "u", nil); err == nil {
		t.Fatal("unknown tier must reject adds")
	}
	if _, err := mgr.AddMemory("x", TypeWorking, "g", "u", nil); err != nil {
		t.Fatalf("enabled tier add failed: %v", err)
	}
}

func TestManagerEvictionTransfersToEpisodic(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{WorkingCapacity: 1, WorkingMaxTokens: 100000})

	first, err := mgr.AddMemory("the first message", TypeWorking, "g1", "u1", nil)
	require.NoError(t, err)
	// second add overflows the window of one and pushes the first out
	_, err = mgr.AddMemory("the second message", TypeWorking, "g1", "u1", nil)
	require.NoError(t, err)

	item, ok, err := mgr.Episodic().Get(first.ID)
	require.NoError(t, err)
	if !ok {
		t.Fatal("evicted item should land in the episodic store")
	}
	if item.Type != TypeEpisodic {
		t.Fatalf("transferred item should be retagged, got %q", item.Type)
	}
	if mgr.Working().Count() != 1 {
		t.Fatalf("window should hold one item, got %d", mgr.Working().Count())
	}
}

func TestManagerRetrieveSplitsBudget(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{})

	for i := 0; i < 4; i++ {
		_, err := mgr.AddMemory(fmt.Sprintf("note number %d about coffee", i), TypeEpisodic, "g1", "u1", nil)
		require.NoError(t, err)
		_, err = mgr.AddMemory(fmt.Sprintf("Coffee fact %d", i), TypeSemantic, "g1", "u1", nil)
		require.NoError(t, err)
	}
	_, err := mgr.AddMemory("talking about coffee right now", TypeWorking, "g1", "u1", nil)
	require.NoError(t, err)

	got := mgr.RetrieveMemory(RetrieveRequest{Query: "coffee", TopK: 4, GroupID: "g1"})
	if len(got[TypeWorking]) != 1 {
		t.Fatalf("working tier should return its window: %v", got[TypeWorking])
	}
	// 4 split across episodic + semantic = 2 each
	if len(got[TypeEpisodic]) > 2 || len(got[TypeSemantic]) > 2 {
		t.Fatalf("budget split violated: %d episodic, %d semantic",
			len(got[TypeEpisodic]), len(got[TypeSemantic]))
	}
	if len(got[TypeEpisodic]) == 0 {
		t.Fatal("episodic tier should find coffee notes")
	}
}

const consolidationResponse = `{"facts": [{
	"content": "Alice is moving to Kyoto in March",
	"importance": 0.8,
	"entities": [{"name": "Alice", "type": "person"}, {"name": "Kyoto", "type": "place"}],
	"relations": [{"from": "Alice", "to": "Kyoto", "type": "MOVING_TO"},
	              {"from": "Alice", "to": "March", "type": "WHEN"}]}]}`

func TestManagerConsolidation(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{})

	var last MemoryItem
	for _, msg := range []string{
		"alice: big news everyone",
		"alice: I'm moving to Kyoto in March",
		"bob: congrats!",
	} {
		item, err := mgr.AddMemory(msg, TypeEpisodic, "g1", "alice", nil)
		require.NoError(t, err)
		last = item
	}

	llm := &fakeLLM{response: consolidationResponse}
	created, err := mgr.ConsolidateMemories(context.Background(), llm, 0)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	require.Len(t, llm.calls, 1)

	// backlog fully drained and marking is durable
	n, err := mgr.UnconsolidatedCount()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// the fact is retrievable from the semantic tier
	items, err := mgr.Semantic().Retrieve("Kyoto", RetrieveOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, items, 1)
	fact := items[0]
	if fact.Content != "Alice is moving to Kyoto in March" {
		t.Fatalf("fact content wrong: %q", fact.Content)
	}
	if fact.Timestamp != last.Timestamp {
		t.Fatalf("fact should carry the last source timestamp: %d vs %d", fact.Timestamp, last.Timestamp)
	}
	if imp, _ := fact.Metadata["importance"].(float64); imp != 0.8 {
		t.Fatalf("importance metadata wrong: %v", fact.Metadata["importance"])
	}
	sources, _ := fact.Metadata["source_episodic_ids"].([]any)
	if len(sources) != 3 {
		t.Fatalf("source ids wrong: %v", fact.Metadata["source_episodic_ids"])
	}

	// the MOVING_TO relation survives, the WHEN relation referencing an
	// unlisted entity does not
	stats, err := mgr.Semantic().KnowledgeGraphStats()
	require.NoError(t, err)
	if stats["nodes"].(int) != 2 || stats["edges"].(int) != 1 {
		t.Fatalf("graph wrong: %v", stats)
	}

	// second run over an empty backlog is a clean no-op
	created, err = mgr.ConsolidateMemories(context.Background(), llm, 0)
	require.NoError(t, err)
	require.Equal(t, 0, created)
	require.Len(t, llm.calls, 1)
}

func TestManagerConsolidationZeroFactsStillMarks(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{})
	_, err := mgr.AddMemory("ok", TypeEpisodic, "g1", "u1", nil)
	require.NoError(t, err)

	llm := &fakeLLM{response: `{"facts": []}`}
	created, err := mgr.ConsolidateMemories(context.Background(), llm, 0)
	require.NoError(t, err)
	require.Equal(t, 0, created)

	n, err := mgr.UnconsolidatedCount()
	require.NoError(t, err)
	if n != 0 {
		t.Fatalf("zero-fact group must still be marked consolidated, backlog=%d", n)
	}
}

func TestManagerConsolidationFailureLeavesBacklog(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{})
	_, err := mgr.AddMemory("hello", TypeEpisodic, "g1", "u1", nil)
	require.NoError(t, err)

	llm := &fakeLLM{err: fmt.Errorf("model overloaded")}
	created, err := mgr.ConsolidateMemories(context.Background(), llm, 0)
	require.NoError(t, err)
	require.Equal(t, 0, created)

	n, err := mgr.UnconsolidatedCount()
	require.NoError(t, err)
	if n != 1 {
		t.Fatalf("failed group must stay unconsolidated, backlog=%d", n)
	}
}

func TestManagerConsolidationGroupsByGroupID(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{})
	for _, g := range []string{"g1", "g2", "g1"} {
		_, err := mgr.AddMemory("msg in "+g, TypeEpisodic, g, "u1", nil)
		require.NoError(t, err)
	}

	llm := &fakeLLM{response: `{"facts": []}`}
	_, err := mgr.ConsolidateMemories(context.Background(), llm, 0)
	require.NoError(t, err)
	require.Len(t, llm.calls, 2)
}

func TestManagerConsolidationDisabledTiers(t *testing.T) {
	mgr := newTestManager(t, ManagerOptions{EnableWorking: true, EnableEpisodic: true}, Config{})
	_, err := mgr.AddMemory("hello", TypeEpisodic, "g1", "u1", nil)
	require.NoError(t, err)

	created, err := mgr.ConsolidateMemories(context.Background(), &fakeLLM{}, 0)
	require.NoError(t, err)
	require.Equal(t, 0, created)
}

func TestManagerStatsAndClearAll(t *testing.T) {
	mgr := newTestManager(t, allTiers(), Config{})
	_, err := mgr.AddMemory("hi", TypeWorking, "g1", "u1", nil)
	require.NoError(t, err)
	_, err = mgr.AddMemory("hello", TypeEpisodic, "g1", "u1", nil)
	require.NoError(t, err)

	st := mgr.Stats()
	if st["working"] == nil || st["episodic"] == nil || st["semantic"] == nil {
		t.Fatalf("stats missing tiers: %v", st)
	}

	require.NoError(t, mgr.ClearAll())
	if mgr.Working().Count() != 0 {
		t.Fatal("working memory not cleared")
	}
	n, err := mgr.Episodic().CountUnconsolidated()
	require.NoError(t, err)
	if n != 0 {
		t.Fatal("episodic store not cleared")
	}
}

func TestOpenBuildsStores(t *testing.T) {
	cfg := Config{StoragePath: filepath.Join(t.TempDir(), "mem")}
	mgr, closeAll, err := Open(cfg, allTiers())
	require.NoError(t, err)
	defer closeAll()

	_, err = mgr.AddMemory("persisted", TypeEpisodic, "g1", "u1", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	n, err := mgr.UnconsolidatedCount()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
