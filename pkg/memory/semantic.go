package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/logger"
)

// Semantic retrieval weights. Graph evidence is supporting signal, never the
// primary rank driver.
const (
	semanticVectorWeight = 0.7
	semanticGraphWeight  = 0.3

	graphOverlapWeight   = 0.6
	graphEntityWeight    = 0.2
	graphRelationWeight  = 0.2
	graphEntityCeiling   = 10.0
	graphRelationCeiling = 5.0

	semanticMinScore = 0.1
)

// SemanticMemory stores distilled knowledge as vector points plus a
// knowledge graph of the entities and relations inside each fact. The vector
// payload carries the full content, so retrieval never needs another store.
type SemanticMemory struct {
	vectors VectorStore
	graph   GraphStore
	log     zerolog.Logger
}

// NewSemanticMemory wires the tier. Both backends are required; this tier
// has no fallback store.
func NewSemanticMemory(vectors VectorStore, graph GraphStore) (*SemanticMemory, error) {
	if vectors == nil {
		return nil, fmt.Errorf("semantic memory requires a vector store")
	}
	if graph == nil {
		return nil, fmt.Errorf("semantic memory requires a graph store")
	}
	return &SemanticMemory{
		vectors: vectors,
		graph:   graph,
		log:     logger.Component("memory.semantic"),
	}, nil
}

// Add stores a fact, deriving entities and co-occurrence relations from its
// content.
func (s *SemanticMemory) Add(item MemoryItem) error {
	entities := extractEntities(item.Content)
	relations := coOccurrenceRelations(entities, item.Content)
	return s.AddWithKnowledge(item, entities, relations)
}

// AddWithKnowledge stores a fact with caller-supplied entities and
// relations, bypassing heuristic extraction. This is the consolidation path.
func (s *SemanticMemory) AddWithKnowledge(item MemoryItem, entities []Entity, relations []Relation) error {
	item.Type = TypeSemantic

	known := map[string]bool{}
	entityIDs := make([]string, 0, len(entities))
	for _, ent := range entities {
		if ent.ID == "" {
			ent.ID = entityID(ent.Name, ent.Type)
		}
		known[ent.ID] = true
		entityIDs = append(entityIDs, ent.ID)
		props := map[string]any{
			"name":      ent.Name,
			"type":      ent.Type,
			"memory_id": item.ID,
		}
		if ent.Description != "" {
			props["description"] = ent.Description
		}
		for k, v := range ent.Properties {
			props[k] = v
		}
		if err := s.graph.UpsertNode(ent.ID, "entity", props); err != nil {
			s.log.Warn().Err(err).Str("entity", ent.Name).Msg("graph node write failed")
		}
	}

	stored := 0
	for _, rel := range relations {
		if !known[rel.From] || !known[rel.To] {
			continue
		}
		props := map[string]any{
			"strength":  rel.Strength,
			"memory_id": item.ID,
		}
		if rel.Evidence != "" {
			props["evidence"] = rel.Evidence
		}
		if err := s.graph.UpsertEdge(rel.From, rel.To, rel.Type, props); err != nil {
			s.log.Warn().Err(err).Str("type", rel.Type).Msg("graph edge write failed")
			continue
		}
		stored++
	}

	payload := map[string]any{
		"memory_id":      item.ID,
		"memory_type":    string(TypeSemantic),
		"group_id":       item.GroupID,
		"user_id":        item.UserID,
		"content":        item.Content,
		"timestamp":      item.Timestamp,
		"entity_ids":     entityIDs,
		"entity_count":   len(entityIDs),
		"relation_count": stored,
	}
	for k, v := range item.Metadata {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	vec := embedText(item.Content)
	if err := s.vectors.Upsert([]string{item.ID}, [][]float32{vec}, []map[string]any{payload}); err != nil {
		s.log.Warn().Err(err).Str("id", item.ID).Msg("semantic vector write failed")
	}
	return nil
}

// semanticCandidate accumulates evidence for one memory id across the two
// retrieval paths.
type semanticCandidate struct {
	item        MemoryItem
	vectorScore float64
	graphScore  float64
	hasVector   bool
	hasGraph    bool
}

// Retrieve runs vector and graph search in parallel conceptually, merges by
// memory id, blends the scores, drops weak results, and annotates the
// survivors with a softmax probability over their final scores.
func (s *SemanticMemory) Retrieve(query string, opts RetrieveOptions) ([]MemoryItem, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	candidates := map[string]*semanticCandidate{}
	s.vectorPath(query, topK, opts, candidates)
	s.graphPath(query, opts, candidates)

	// content-hash dedup keeps the best-scoring duplicate
	byContent := map[string]*semanticCandidate{}
	for _, c := range candidates {
		combined := combinedScore(c)
		key := contentHash(c.item.Content)
		if prev, ok := byContent[key]; ok && combinedScore(prev) >= combined {
			continue
		}
		byContent[key] = c
	}

	var kept []MemoryItem
	var scores []float64
	for _, c := range byContent {
		combined := combinedScore(c)
		if combined < semanticMinScore {
			continue
		}
		m := c.item.meta()
		m["vector_score"] = c.vectorScore
		m["graph_score"] = c.graphScore
		m["combined_score"] = combined
		m["relevance_score"] = combined
		kept = append(kept, c.item)
		scores = append(scores, combined)
	}

	order := make([]int, len(kept))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })
	if len(order) > topK {
		order = order[:topK]
	}

	finalScores := make([]float64, len(order))
	out := make([]MemoryItem, len(order))
	for i, idx := range order {
		out[i] = kept[idx]
		finalScores[i] = scores[idx]
	}
	for i, p := range softmax(finalScores) {
		out[i].meta()["probability"] = p
	}
	return out, nil
}

func (s *SemanticMemory) vectorPath(query string, topK int, opts RetrieveOptions, candidates map[string]*semanticCandidate) {
	filter := map[string]any{"memory_type": string(TypeSemantic)}
	if opts.GroupID != "" {
		filter["group_id"] = opts.GroupID
	}
	hits, err := s.vectors.Search(embedText(query), topK, filter)
	if err != nil {
		s.log.Warn().Err(err).Msg("semantic vector search failed")
		return
	}
	for _, hit := range hits {
		item := itemFromPayload(hit.Payload)
		if item.ID == "" {
			continue
		}
		c := candidates[item.ID]
		if c == nil {
			c = &semanticCandidate{item: item}
			candidates[item.ID] = c
		}
		c.vectorScore = hit.Score
		c.hasVector = true
	}
}

func (s *SemanticMemory) graphPath(query string, opts RetrieveOptions, candidates map[string]*semanticCandidate) {
	queryEntities := extractEntities(query)
	names := make([]string, 0, len(queryEntities))
	for _, e := range queryEntities {
		names = append(names, e.Name)
	}
	if len(names) == 0 {
		names = []string{query}
	}

	// memory id -> how many query names led to it
	matched := map[string]int{}
	for _, name := range names {
		nodes, err := s.graph.FindNodesByName(name, 10)
		if err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("graph lookup failed")
			continue
		}
		for _, node := range nodes {
			if id, ok := node.Props["memory_id"].(string); ok && id != "" {
				matched[id]++
			}
		}
	}

	for memoryID, count := range matched {
		hits, err := s.vectors.Fetch(map[string]any{"memory_id": memoryID}, 1)
		if err != nil || len(hits) == 0 {
			continue
		}
		item := itemFromPayload(hits[0].Payload)
		if item.ID == "" {
			continue
		}
		if opts.GroupID != "" && item.GroupID != opts.GroupID {
			continue
		}

		overlap := float64(count) / float64(len(names))
		if overlap > 1 {
			overlap = 1
		}
		entityCount, _ := hits[0].Payload["entity_count"].(float64)
		relationCount, _ := hits[0].Payload["relation_count"].(float64)
		score := graphOverlapWeight*overlap +
			graphEntityWeight*math.Min(entityCount/graphEntityCeiling, 1) +
			graphRelationWeight*math.Min(relationCount/graphRelationCeiling, 1)

		c := candidates[item.ID]
		if c == nil {
			c = &semanticCandidate{item: item}
			candidates[item.ID] = c
		}
		c.graphScore = score
		c.hasGraph = true
	}
}

// Update replaces a fact wholesale: the old point and its graph footprint
// are removed and the new content is re-extracted from scratch. Metadata is
// merged, the caller's keys winning over the stored ones.
func (s *SemanticMemory) Update(id string, content string, metadata map[string]any) (bool, error) {
	hits, err := s.vectors.Fetch(map[string]any{"memory_id": id}, 1)
	if err != nil {
		return false, fmt.Errorf("load semantic point: %w", err)
	}
	if len(hits) == 0 {
		return false, nil
	}
	old := itemFromPayload(hits[0].Payload)

	merged := map[string]any{}
	for k, v := range old.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}

	if _, err := s.Remove(id); err != nil {
		return false, err
	}
	item := MemoryItem{
		ID:        id,
		Content:   content,
		Type:      TypeSemantic,
		GroupID:   old.GroupID,
		UserID:    old.UserID,
		Timestamp: old.Timestamp,
		Metadata:  merged,
	}
	return true, s.Add(item)
}

// Remove deletes the fact's vector point and detaches its graph footprint.
func (s *SemanticMemory) Remove(id string) (bool, error) {
	n, err := s.vectors.DeleteByFilter(map[string]any{"memory_id": id})
	if err != nil {
		return false, fmt.Errorf("delete semantic point: %w", err)
	}
	if _, err := s.graph.DetachDeleteByTag("memory_id", id); err != nil {
		s.log.Warn().Err(err).Str("id", id).Msg("graph detach failed")
	}
	return n > 0, nil
}

// Clear wipes the vector collection and the whole graph.
func (s *SemanticMemory) Clear() error {
	if err := s.vectors.Clear(); err != nil {
		return fmt.Errorf("clear semantic vectors: %w", err)
	}
	if err := s.graph.Clear(); err != nil {
		return fmt.Errorf("clear knowledge graph: %w", err)
	}
	return nil
}

// Count returns the number of stored facts.
func (s *SemanticMemory) Count() (int, error) {
	return s.vectors.Count()
}

// KnowledgeGraphStats reports node and edge totals.
func (s *SemanticMemory) KnowledgeGraphStats() (map[string]any, error) {
	nodes, edges, err := s.graph.Stats()
	if err != nil {
		return nil, err
	}
	return map[string]any{"nodes": nodes, "edges": edges}, nil
}

func combinedScore(c *semanticCandidate) float64 {
	return semanticVectorWeight*c.vectorScore + semanticGraphWeight*c.graphScore
}

func itemFromPayload(payload map[string]any) MemoryItem {
	item := MemoryItem{Type: TypeSemantic}
	if v, ok := payload["memory_id"].(string); ok {
		item.ID = v
	}
	if v, ok := payload["content"].(string); ok {
		item.Content = v
	}
	if v, ok := payload["group_id"].(string); ok {
		item.GroupID = v
	}
	if v, ok := payload["user_id"].(string); ok {
		item.UserID = v
	}
	switch t := payload["timestamp"].(type) {
	case float64:
		item.Timestamp = int64(t)
	case int64:
		item.Timestamp = t
	}
	meta := map[string]any{}
	for k, v := range payload {
		switch k {
		case "memory_id", "memory_type", "content", "group_id", "user_id", "timestamp":
		default:
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		item.Metadata = meta
	}
	return item
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// softmax normalizes scores into a distribution, shifted by the max for
// numerical stability. Empty input returns nil.
func softmax(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
