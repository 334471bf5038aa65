// Package memory implements the three-tier memory engine: a bounded
// in-process working memory, a persistent episodic store with hybrid
// retrieval and gated forgetting, and a semantic store backed by a vector
// index plus a knowledge graph. The Manager ties the tiers together and
// drives episodic-to-semantic consolidation through an LLM.
package memory

// MemoryType identifies a tier.
type MemoryType string

const (
	TypeWorking  MemoryType = "working"
	TypeEpisodic MemoryType = "episodic"
	TypeSemantic MemoryType = "semantic"
)

// Metadata convention keys shared across tiers.
const (
	metaConsolidated = "consolidated"
	metaForgotten    = "forgotten"
	metaSource       = "source"
)

// MemoryItem is the unit every tier stores and returns.
type MemoryItem struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Type      MemoryType     `json:"type"`
	GroupID   string         `json:"group_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// meta returns the item's metadata map, allocating it on first use.
func (m *MemoryItem) meta() map[string]any {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m.Metadata
}

func (m *MemoryItem) metaBool(key string) bool {
	v, ok := m.Metadata[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return false
}

// Entity is a knowledge-graph node extracted from semantic content.
type Entity struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Frequency   int            `json:"frequency,omitempty"`
}

// Relation is a typed, weighted edge between two entities.
type Relation struct {
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      string         `json:"type"`
	Strength  float64        `json:"strength"`
	Evidence  string         `json:"evidence,omitempty"`
	Frequency int            `json:"frequency,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Config carries tier sizing and storage locations. Zero values fall back to
// the documented defaults at construction.
type Config struct {
	StoragePath           string
	WorkingCapacity       int
	WorkingMaxTokens      int
	EpisodicRetentionDays int
	EpisodicCapacity      int
	ConsolidationBatch    int
}

const (
	defaultWorkingCapacity       = 10
	defaultWorkingMaxTokens      = 1000
	defaultEpisodicRetentionDays = 30
	defaultEpisodicCapacity      = 10000
	defaultConsolidationBatch    = 20
)

func (c Config) withDefaults() Config {
	if c.WorkingCapacity <= 0 {
		c.WorkingCapacity = defaultWorkingCapacity
	}
	if c.WorkingMaxTokens <= 0 {
		c.WorkingMaxTokens = defaultWorkingMaxTokens
	}
	if c.EpisodicRetentionDays <= 0 {
		c.EpisodicRetentionDays = defaultEpisodicRetentionDays
	}
	if c.EpisodicCapacity <= 0 {
		c.EpisodicCapacity = defaultEpisodicCapacity
	}
	if c.ConsolidationBatch <= 0 {
		c.ConsolidationBatch = defaultConsolidationBatch
	}
	return c
}

// RetrieveOptions scopes a retrieval. TopK <= 0 means the tier default.
type RetrieveOptions struct {
	GroupID   string
	UserID    string
	TopK      int
	StartTime int64
	EndTime   int64
}
