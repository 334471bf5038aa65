package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/logger"
	"github.com/kioku-ai/kioku/pkg/store"
)

// Retrieval scoring weights. The keyword fallback scores a fixed 0.5 match
// quality so substring hits never outrank strong vector hits.
const (
	episodicVectorWeight  = 0.7
	episodicRecencyWeight = 0.3
	fallbackMatchWeight   = 0.8
	fallbackRecencyWeight = 0.2
	fallbackMatchScore    = 0.5

	timeRangeCandidateLimit = 1000
	vectorOverfetchFactor   = 5
)

// EpisodicMemory persists raw dialogue events. The document store is the
// system of record; the vector index is a projection that may lag or fail
// without losing data.
type EpisodicMemory struct {
	cfg     Config
	docs    DocumentStore
	vectors VectorStore
	log     zerolog.Logger
}

// NewEpisodicMemory wires the tier to its backends.
func NewEpisodicMemory(cfg Config, docs DocumentStore, vectors VectorStore) (*EpisodicMemory, error) {
	if docs == nil {
		return nil, fmt.Errorf("episodic memory requires a document store")
	}
	if vectors == nil {
		return nil, fmt.Errorf("episodic memory requires a vector store")
	}
	return &EpisodicMemory{
		cfg:     cfg.withDefaults(),
		docs:    docs,
		vectors: vectors,
		log:     logger.Component("memory.episodic"),
	}, nil
}

// Add writes the item to the document store and then indexes it. A document
// write failure is the caller's problem; an indexing failure is only logged,
// the record stays retrievable through the keyword fallback.
func (e *EpisodicMemory) Add(item MemoryItem) error {
	item.Type = TypeEpisodic
	meta := item.meta()
	if _, ok := meta[metaConsolidated]; !ok {
		meta[metaConsolidated] = false
	}

	if err := e.docs.Put(recordFromItem(item)); err != nil {
		return fmt.Errorf("store episodic record: %w", err)
	}

	vec := embedText(item.Content)
	payload := map[string]any{
		"memory_id":   item.ID,
		"memory_type": string(TypeEpisodic),
		"group_id":    item.GroupID,
		"user_id":     item.UserID,
		"content":     item.Content,
		"timestamp":   item.Timestamp,
	}
	if err := e.vectors.Upsert([]string{item.ID}, [][]float32{vec}, []map[string]any{payload}); err != nil {
		e.log.Warn().Err(err).Str("id", item.ID).Msg("vector index write failed")
	}
	return nil
}

// Retrieve runs the hybrid search: vector similarity blended with recency,
// with a substring keyword fallback when the vector path yields nothing
// usable. An explicit time range restricts candidates to records inside it.
func (e *EpisodicMemory) Retrieve(query string, opts RetrieveOptions) ([]MemoryItem, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = 5
	}

	var allowed map[string]bool
	if opts.StartTime != 0 || opts.EndTime != 0 {
		recs, err := e.docs.Search(store.SearchOptions{
			MemoryType: string(TypeEpisodic),
			GroupID:    opts.GroupID,
			UserID:     opts.UserID,
			StartTime:  opts.StartTime,
			EndTime:    opts.EndTime,
			OrderBy:    "timestamp DESC",
			Limit:      timeRangeCandidateLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("load time-range candidates: %w", err)
		}
		allowed = map[string]bool{}
		for _, r := range recs {
			allowed[r.ID] = true
		}
		if len(allowed) == 0 {
			return nil, nil
		}
	}

	now := time.Now().Unix()
	items := e.vectorRetrieve(query, topK, opts, allowed, now)
	if len(items) == 0 {
		items = e.keywordFallback(query, opts, allowed, now)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return relevance(items[i]) > relevance(items[j])
	})
	if len(items) > topK {
		items = items[:topK]
	}
	return items, nil
}

func (e *EpisodicMemory) vectorRetrieve(query string, topK int, opts RetrieveOptions, allowed map[string]bool, now int64) []MemoryItem {
	filter := map[string]any{"memory_type": string(TypeEpisodic)}
	if opts.GroupID != "" {
		filter["group_id"] = opts.GroupID
	}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}

	hits, err := e.vectors.Search(embedText(query), topK*vectorOverfetchFactor, filter)
	if err != nil {
		e.log.Warn().Err(err).Msg("vector search failed, falling back to keywords")
		return nil
	}

	var out []MemoryItem
	for _, hit := range hits {
		if allowed != nil && !allowed[hit.ID] {
			continue
		}
		rec, ok, err := e.docs.Get(hit.ID)
		if err != nil || !ok {
			continue
		}
		item := itemFromRecord(rec)
		if item.metaBool(metaForgotten) {
			continue
		}
		rs := recencyScore(now, item.Timestamp)
		m := item.meta()
		m["vector_score"] = hit.Score
		m["recency_score"] = rs
		m["relevance_score"] = episodicVectorWeight*hit.Score + episodicRecencyWeight*rs
		out = append(out, item)
	}
	return out
}

func (e *EpisodicMemory) keywordFallback(query string, opts RetrieveOptions, allowed map[string]bool, now int64) []MemoryItem {
	recs, err := e.docs.Search(store.SearchOptions{
		MemoryType: string(TypeEpisodic),
		GroupID:    opts.GroupID,
		UserID:     opts.UserID,
		OrderBy:    "timestamp DESC",
		Limit:      timeRangeCandidateLimit,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("keyword fallback search failed")
		return nil
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	var out []MemoryItem
	for _, rec := range recs {
		if allowed != nil && !allowed[rec.ID] {
			continue
		}
		item := itemFromRecord(rec)
		if item.metaBool(metaForgotten) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.Content), needle) {
			continue
		}
		rs := recencyScore(now, item.Timestamp)
		m := item.meta()
		m[metaSource] = "keyword_fallback"
		m["recency_score"] = rs
		m["relevance_score"] = fallbackMatchWeight*fallbackMatchScore + fallbackRecencyWeight*rs
		out = append(out, item)
	}
	return out
}

// Update rewrites the record and refreshes its vector. Vector errors are
// swallowed so the record never diverges from what the caller asked for.
func (e *EpisodicMemory) Update(id string, content *string, metadata map[string]any) (bool, error) {
	rec, ok, err := e.docs.Get(id)
	if err != nil {
		return false, fmt.Errorf("load record for update: %w", err)
	}
	if !ok {
		return false, nil
	}

	merged := rec.Metadata
	if metadata != nil {
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range metadata {
			merged[k] = v
		}
	}
	ok, err = e.docs.Update(id, content, merged)
	if err != nil || !ok {
		return ok, err
	}

	if content != nil {
		vec := embedText(*content)
		payload := map[string]any{
			"memory_id":   id,
			"memory_type": string(TypeEpisodic),
			"group_id":    rec.GroupID,
			"user_id":     rec.UserID,
			"content":     *content,
			"timestamp":   rec.Timestamp,
		}
		if err := e.vectors.Upsert([]string{id}, [][]float32{vec}, []map[string]any{payload}); err != nil {
			e.log.Warn().Err(err).Str("id", id).Msg("vector refresh failed")
		}
	}
	return true, nil
}

// Remove deletes the record from both stores. Only the document delete can
// fail the call.
func (e *EpisodicMemory) Remove(id string) (bool, error) {
	ok, err := e.docs.Delete(id)
	if err != nil {
		return false, fmt.Errorf("delete episodic record: %w", err)
	}
	if err := e.vectors.DeleteByIDs([]string{id}); err != nil {
		e.log.Warn().Err(err).Str("id", id).Msg("vector delete failed")
	}
	return ok, nil
}

// Forget ages out old and surplus records. It refuses to run while the
// oldest record has not been consolidated yet, so unconsolidated dialogue is
// never dropped. Returns the number of records removed.
func (e *EpisodicMemory) Forget() (int, error) {
	oldest, err := e.docs.Search(store.SearchOptions{
		MemoryType: string(TypeEpisodic),
		OrderBy:    "timestamp ASC",
		Limit:      1,
	})
	if err != nil {
		return 0, fmt.Errorf("inspect oldest record: %w", err)
	}
	if len(oldest) == 0 {
		return 0, nil
	}
	oldestItem := itemFromRecord(oldest[0])
	if !oldestItem.metaBool(metaConsolidated) {
		e.log.Debug().Msg("oldest record unconsolidated, forgetting skipped")
		return 0, nil
	}

	capacity := e.cfg.EpisodicCapacity
	if capacity <= 0 {
		capacity = defaultEpisodicCapacity
	}
	recs, err := e.docs.Search(store.SearchOptions{
		MemoryType: string(TypeEpisodic),
		OrderBy:    "timestamp ASC",
		Limit:      2 * capacity,
	})
	if err != nil {
		return 0, fmt.Errorf("load forget candidates: %w", err)
	}

	cutoff := time.Now().Unix() - int64(e.cfg.EpisodicRetentionDays)*86400
	doomed := map[string]bool{}
	for _, r := range recs {
		if r.Timestamp < cutoff {
			doomed[r.ID] = true
		}
	}

	surplus := len(recs) - len(doomed) - capacity
	if surplus > 0 {
		for _, r := range recs {
			if surplus == 0 {
				break
			}
			if doomed[r.ID] {
				continue
			}
			doomed[r.ID] = true
			surplus--
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(doomed))
	for id := range doomed {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := e.docs.Delete(id); err != nil {
			return 0, fmt.Errorf("delete forgotten record %s: %w", id, err)
		}
	}
	if err := e.vectors.DeleteByIDs(ids); err != nil {
		e.log.Warn().Err(err).Int("count", len(ids)).Msg("vector delete failed during forget")
	}
	e.log.Info().Int("removed", len(ids)).Msg("episodic forgetting complete")
	return len(ids), nil
}

// GetUnconsolidated returns up to limit records not yet consolidated,
// oldest first.
func (e *EpisodicMemory) GetUnconsolidated(limit int) ([]MemoryItem, error) {
	recs, err := e.docs.Search(store.SearchOptions{
		MemoryType: string(TypeEpisodic),
		Metadata:   map[string]any{metaConsolidated: false},
		OrderBy:    "timestamp ASC",
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("load unconsolidated records: %w", err)
	}
	items := make([]MemoryItem, 0, len(recs))
	for _, r := range recs {
		items = append(items, itemFromRecord(r))
	}
	return items, nil
}

// CountUnconsolidated reports the consolidation backlog size.
func (e *EpisodicMemory) CountUnconsolidated() (int, error) {
	return e.docs.Count(store.SearchOptions{
		MemoryType: string(TypeEpisodic),
		Metadata:   map[string]any{metaConsolidated: false},
	})
}

// MarkConsolidated flags records as consolidated. Unknown ids are skipped;
// re-marking is a no-op.
func (e *EpisodicMemory) MarkConsolidated(ids []string) error {
	for _, id := range ids {
		rec, ok, err := e.docs.Get(id)
		if err != nil {
			return fmt.Errorf("load record %s: %w", id, err)
		}
		if !ok {
			continue
		}
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta[metaConsolidated] = true
		if _, err := e.docs.Update(id, nil, meta); err != nil {
			return fmt.Errorf("mark record %s: %w", id, err)
		}
	}
	return nil
}

// Get returns a single item by id.
func (e *EpisodicMemory) Get(id string) (MemoryItem, bool, error) {
	rec, ok, err := e.docs.Get(id)
	if err != nil || !ok {
		return MemoryItem{}, ok, err
	}
	return itemFromRecord(rec), true, nil
}

// GetAll returns every episodic record, newest first.
func (e *EpisodicMemory) GetAll(limit int) ([]MemoryItem, error) {
	recs, err := e.docs.Search(store.SearchOptions{
		MemoryType: string(TypeEpisodic),
		OrderBy:    "timestamp DESC",
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]MemoryItem, 0, len(recs))
	for _, r := range recs {
		items = append(items, itemFromRecord(r))
	}
	return items, nil
}

// Clear wipes the tier in both stores, returning the record count removed.
func (e *EpisodicMemory) Clear() (int, error) {
	n, err := e.docs.Clear(string(TypeEpisodic))
	if err != nil {
		return 0, fmt.Errorf("clear episodic records: %w", err)
	}
	if _, err := e.vectors.DeleteByFilter(map[string]any{"memory_type": string(TypeEpisodic)}); err != nil {
		e.log.Warn().Err(err).Msg("vector clear failed")
	}
	return n, nil
}

// Stats reports record counts and the stored time span in days.
func (e *EpisodicMemory) Stats() (map[string]any, error) {
	total, err := e.docs.Count(store.SearchOptions{MemoryType: string(TypeEpisodic)})
	if err != nil {
		return nil, err
	}
	backlog, err := e.CountUnconsolidated()
	if err != nil {
		return nil, err
	}
	lo, hi, err := e.docs.TimeSpan(string(TypeEpisodic))
	if err != nil {
		return nil, err
	}
	spanDays := 0.0
	if hi > lo {
		spanDays = float64(hi-lo) / 86400.0
	}
	return map[string]any{
		"count":          total,
		"unconsolidated": backlog,
		"span_days":      spanDays,
	}, nil
}

func relevance(item MemoryItem) float64 {
	if v, ok := item.Metadata["relevance_score"].(float64); ok {
		return v
	}
	return 0
}

// recencyScore decays with age: 1.0 now, 0.5 after one day, toward zero.
func recencyScore(now, ts int64) float64 {
	age := now - ts
	if age < 0 {
		age = 0
	}
	ageDays := float64(age) / 86400.0
	return 1.0 / (1.0 + ageDays)
}

func recordFromItem(item MemoryItem) store.Record {
	return store.Record{
		ID:         item.ID,
		UserID:     item.UserID,
		GroupID:    item.GroupID,
		MemoryType: string(item.Type),
		Content:    item.Content,
		Timestamp:  item.Timestamp,
		Metadata:   item.Metadata,
	}
}

func itemFromRecord(rec store.Record) MemoryItem {
	return MemoryItem{
		ID:        rec.ID,
		Content:   rec.Content,
		Type:      MemoryType(rec.MemoryType),
		GroupID:   rec.GroupID,
		UserID:    rec.UserID,
		Timestamp: rec.Timestamp,
		Metadata:  rec.Metadata,
	}
}
