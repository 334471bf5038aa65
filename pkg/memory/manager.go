package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/logger"
)

// ManagerOptions selects which tiers a manager runs.
type ManagerOptions struct {
	EnableWorking  bool
	EnableEpisodic bool
	EnableSemantic bool
}

// Manager is the facade over the three tiers. It owns tier construction, the
// working-to-episodic eviction transfer, and the consolidation pipeline.
// One manager serves one bot process; concurrent Add/Retrieve calls are
// safe, consolidation and forgetting are meant to be driven sequentially by
// a scheduler.
type Manager struct {
	cfg      Config
	opts     ManagerOptions
	working  *WorkingMemory
	episodic *EpisodicMemory
	semantic *SemanticMemory
	log      zerolog.Logger
}

// NewManager wires the enabled tiers onto the given backends. Backends for
// disabled tiers may be nil. When both working and episodic are enabled,
// items evicted from the window are transferred into the episodic store.
func NewManager(cfg Config, opts ManagerOptions, docs DocumentStore, episodicVectors, semanticVectors VectorStore, graph GraphStore) (*Manager, error) {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:  cfg,
		opts: opts,
		log:  logger.Component("memory.manager"),
	}

	if opts.EnableWorking {
		m.working = NewWorkingMemory(cfg.WorkingCapacity, cfg.WorkingMaxTokens)
	}
	if opts.EnableEpisodic {
		ep, err := NewEpisodicMemory(cfg, docs, episodicVectors)
		if err != nil {
			return nil, err
		}
		m.episodic = ep
	}
	if opts.EnableSemantic {
		sem, err := NewSemanticMemory(semanticVectors, graph)
		if err != nil {
			return nil, err
		}
		m.semantic = sem
	}

	if m.working != nil && m.episodic != nil {
		m.working.SetForgetCallback(func(item MemoryItem) {
			item.Type = TypeEpisodic
			if err := m.episodic.Add(item); err != nil {
				m.log.Error().Err(err).Str("id", item.ID).Msg("eviction transfer to episodic failed")
			}
		})
	}
	return m, nil
}

// Working exposes the working tier, nil when disabled.
func (m *Manager) Working() *WorkingMemory { return m.working }

// Episodic exposes the episodic tier, nil when disabled.
func (m *Manager) Episodic() *EpisodicMemory { return m.episodic }

// Semantic exposes the semantic tier, nil when disabled.
func (m *Manager) Semantic() *SemanticMemory { return m.semantic }

// AddMemory stores new content in one tier, minting the id and timestamp.
func (m *Manager) AddMemory(content string, memoryType MemoryType, groupID, userID string, metadata map[string]any) (MemoryItem, error) {
	item := MemoryItem{
		ID:        "mem-" + uuid.NewString(),
		Content:   content,
		Type:      memoryType,
		GroupID:   groupID,
		UserID:    userID,
		Timestamp: time.Now().Unix(),
		Metadata:  metadata,
	}

	switch memoryType {
	case TypeWorking:
		if m.working == nil {
			return MemoryItem{}, fmt.Errorf("working memory is disabled")
		}
		m.working.Add(item)
	case TypeEpisodic:
		if m.episodic == nil {
			return MemoryItem{}, fmt.Errorf("episodic memory is disabled")
		}
		if err := m.episodic.Add(item); err != nil {
			return MemoryItem{}, err
		}
	case TypeSemantic:
		if m.semantic == nil {
			return MemoryItem{}, fmt.Errorf("semantic memory is disabled")
		}
		if err := m.semantic.Add(item); err != nil {
			return MemoryItem{}, err
		}
	default:
		return MemoryItem{}, fmt.Errorf("unknown memory type %q", memoryType)
	}
	return item, nil
}

// RetrieveRequest scopes a cross-tier retrieval.
type RetrieveRequest struct {
	Query     string
	Types     []MemoryType
	TopK      int
	GroupID   string
	UserID    string
	StartTime int64
	EndTime   int64
}

// RetrieveMemory queries the requested tiers (all enabled ones by default)
// and returns results keyed by tier. The TopK budget is split evenly over
// the episodic and semantic tiers; working memory is a small window and
// returns everything in scope. A tier failure drops that tier from the
// result instead of failing the call.
func (m *Manager) RetrieveMemory(req RetrieveRequest) map[MemoryType][]MemoryItem {
	types := req.Types
	if len(types) == 0 {
		types = m.enabledTypes()
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}

	searchTiers := 0
	for _, t := range types {
		if t != TypeWorking {
			searchTiers++
		}
	}
	perTier := topK
	if searchTiers > 0 {
		perTier = topK / searchTiers
		if perTier < 1 {
			perTier = 1
		}
	}

	out := map[MemoryType][]MemoryItem{}
	for _, t := range types {
		opts := RetrieveOptions{
			GroupID:   req.GroupID,
			UserID:    req.UserID,
			StartTime: req.StartTime,
			EndTime:   req.EndTime,
		}
		switch t {
		case TypeWorking:
			if m.working == nil {
				continue
			}
			out[t] = m.working.Retrieve(opts)
		case TypeEpisodic:
			if m.episodic == nil {
				continue
			}
			opts.TopK = perTier
			items, err := m.episodic.Retrieve(req.Query, opts)
			if err != nil {
				m.log.Warn().Err(err).Msg("episodic retrieval failed")
				continue
			}
			out[t] = items
		case TypeSemantic:
			if m.semantic == nil {
				continue
			}
			opts.TopK = perTier
			items, err := m.semantic.Retrieve(req.Query, opts)
			if err != nil {
				m.log.Warn().Err(err).Msg("semantic retrieval failed")
				continue
			}
			out[t] = items
		}
	}
	return out
}

func (m *Manager) enabledTypes() []MemoryType {
	var types []MemoryType
	if m.working != nil {
		types = append(types, TypeWorking)
	}
	if m.episodic != nil {
		types = append(types, TypeEpisodic)
	}
	if m.semantic != nil {
		types = append(types, TypeSemantic)
	}
	return types
}

const consolidationSystemPrompt = `You distill chat transcripts into durable facts.
Given a conversation, extract the important standalone facts worth remembering long term.
Respond with a JSON object of the form:
{"facts": [{"content": "...", "importance": 0.0-1.0,
  "entities": [{"name": "...", "type": "person|place|thing|concept"}],
  "relations": [{"from": "entity name", "to": "entity name", "type": "VERB_PHRASE"}]}]}
Relations may only reference entities listed in the same fact.
Return {"facts": []} when nothing is worth keeping.`

// ConsolidateMemories distills unconsolidated episodic records into semantic
// facts, one LLM call per conversation group. Source records are marked
// consolidated even when a group yields zero facts, so the backlog always
// drains. A failing group is logged and skipped; its records stay
// unconsolidated for the next run. Returns the number of facts created.
func (m *Manager) ConsolidateMemories(ctx context.Context, llm LLMClient, limit int) (int, error) {
	if m.episodic == nil || m.semantic == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = m.cfg.ConsolidationBatch
	}

	items, err := m.episodic.GetUnconsolidated(limit)
	if err != nil {
		return 0, fmt.Errorf("load consolidation backlog: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	groups := map[string][]MemoryItem{}
	var order []string
	for _, item := range items {
		if _, seen := groups[item.GroupID]; !seen {
			order = append(order, item.GroupID)
		}
		groups[item.GroupID] = append(groups[item.GroupID], item)
	}

	created := 0
	for _, groupID := range order {
		n, err := m.consolidateGroup(ctx, llm, groupID, groups[groupID])
		if err != nil {
			m.log.Error().Err(err).Str("group_id", groupID).Msg("group consolidation failed")
			continue
		}
		created += n
	}
	return created, nil
}

func (m *Manager) consolidateGroup(ctx context.Context, llm LLMClient, groupID string, items []MemoryItem) (int, error) {
	var b strings.Builder
	sourceIDs := make([]string, 0, len(items))
	for _, item := range items {
		sourceIDs = append(sourceIDs, item.ID)
		ts := time.Unix(item.Timestamp, 0).UTC().Format("2006-01-02 15:04")
		speaker := item.UserID
		if speaker == "" {
			speaker = "unknown"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, speaker, item.Content)
	}

	raw, err := llm.ChatJSON(ctx, consolidationSystemPrompt, b.String())
	if err != nil {
		return 0, fmt.Errorf("consolidation llm call: %w", err)
	}
	facts, err := decodeFacts(raw)
	if err != nil {
		return 0, fmt.Errorf("decode consolidation output: %w", err)
	}

	lastTimestamp := items[len(items)-1].Timestamp
	created := 0
	for _, fact := range facts {
		entities := make([]Entity, len(fact.Entities))
		nameToID := map[string]string{}
		for i, ent := range fact.Entities {
			ent.ID = entityID(ent.Name, ent.Type)
			entities[i] = ent
			nameToID[strings.ToLower(ent.Name)] = ent.ID
		}
		var relations []Relation
		for _, rel := range fact.Relations {
			fromID, okFrom := nameToID[strings.ToLower(rel.From)]
			toID, okTo := nameToID[strings.ToLower(rel.To)]
			if !okFrom || !okTo {
				continue
			}
			relations = append(relations, Relation{
				From:     fromID,
				To:       toID,
				Type:     rel.Type,
				Strength: fact.Importance,
				Evidence: truncateRunes(fact.Content, 100),
			})
		}

		item := MemoryItem{
			ID:        "mem-" + uuid.NewString(),
			Content:   fact.Content,
			Type:      TypeSemantic,
			GroupID:   groupID,
			UserID:    items[0].UserID,
			Timestamp: lastTimestamp,
			Metadata: map[string]any{
				"source_episodic_ids": sourceIDs,
				"importance":          fact.Importance,
			},
		}
		if err := m.semantic.AddWithKnowledge(item, entities, relations); err != nil {
			return created, fmt.Errorf("store consolidated fact: %w", err)
		}
		created++
	}

	if err := m.episodic.MarkConsolidated(sourceIDs); err != nil {
		return created, fmt.Errorf("mark sources consolidated: %w", err)
	}
	m.log.Info().Str("group_id", groupID).Int("sources", len(sourceIDs)).Int("facts", created).
		Msg("group consolidated")
	return created, nil
}

// UnconsolidatedCount reports the episodic backlog, zero when the tier is
// disabled.
func (m *Manager) UnconsolidatedCount() (int, error) {
	if m.episodic == nil {
		return 0, nil
	}
	return m.episodic.CountUnconsolidated()
}

// Forget runs episodic aging, returning the number of records removed.
func (m *Manager) Forget() (int, error) {
	if m.episodic == nil {
		return 0, nil
	}
	return m.episodic.Forget()
}

// Stats aggregates per-tier statistics for the enabled tiers.
func (m *Manager) Stats() map[string]any {
	out := map[string]any{}
	if m.working != nil {
		out["working"] = m.working.Stats()
	}
	if m.episodic != nil {
		if st, err := m.episodic.Stats(); err == nil {
			out["episodic"] = st
		} else {
			m.log.Warn().Err(err).Msg("episodic stats failed")
		}
	}
	if m.semantic != nil {
		st := map[string]any{}
		if n, err := m.semantic.Count(); err == nil {
			st["count"] = n
		}
		if g, err := m.semantic.KnowledgeGraphStats(); err == nil {
			st["graph"] = g
		}
		out["semantic"] = st
	}
	return out
}

// ClearAll wipes every enabled tier.
func (m *Manager) ClearAll() error {
	if m.working != nil {
		m.working.Clear()
	}
	if m.episodic != nil {
		if _, err := m.episodic.Clear(); err != nil {
			return err
		}
	}
	if m.semantic != nil {
		if err := m.semantic.Clear(); err != nil {
			return err
		}
	}
	return nil
}
