package memory

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kioku-ai/kioku/pkg/logger"
)

// ForgetCallback observes items as they are evicted from working memory,
// before they are discarded. Registered by the manager to transfer evicted
// items into the episodic tier.
type ForgetCallback func(item MemoryItem)

// WorkingMemory is the in-process sliding window over recent dialogue. It is
// bounded both by item count and by an approximate token total; overflow
// evicts the oldest item first. Contents do not survive a restart.
type WorkingMemory struct {
	mu           sync.Mutex
	capacity     int
	maxTokens    int
	items        []MemoryItem
	tokens       int
	onForget     ForgetCallback
	sessionStart time.Time
	log          zerolog.Logger
}

// NewWorkingMemory builds a window with the given caps. The values are taken
// as-is: a zero capacity means every add evicts immediately.
func NewWorkingMemory(capacity, maxTokens int) *WorkingMemory {
	return &WorkingMemory{
		capacity:     capacity,
		maxTokens:    maxTokens,
		sessionStart: time.Now(),
		log:          logger.Component("memory.working"),
	}
}

// SetForgetCallback registers the eviction observer. Pass nil to detach.
func (w *WorkingMemory) SetForgetCallback(cb ForgetCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onForget = cb
}

// Add appends an item and evicts until both caps hold again.
func (w *WorkingMemory) Add(item MemoryItem) {
	w.mu.Lock()
	item.Type = TypeWorking
	w.items = append(w.items, item)
	w.tokens += estimateTokens(item.Content)
	evicted := w.evictLocked()
	cb := w.onForget
	w.mu.Unlock()

	w.notifyForget(cb, evicted)
}

// evictLocked removes minimum-timestamp items while either cap is exceeded
// and returns the victims. The forget callback runs after the lock is
// released; it may re-enter this tier.
func (w *WorkingMemory) evictLocked() []MemoryItem {
	var evicted []MemoryItem
	for len(w.items) > w.capacity || w.tokens > w.maxTokens {
		if len(w.items) == 0 {
			w.tokens = 0
			break
		}
		oldest := 0
		for i := 1; i < len(w.items); i++ {
			if w.items[i].Timestamp < w.items[oldest].Timestamp {
				oldest = i
			}
		}
		victim := w.items[oldest]
		w.items = append(w.items[:oldest], w.items[oldest+1:]...)
		w.tokens -= estimateTokens(victim.Content)
		if w.tokens < 0 {
			w.tokens = 0
		}
		evicted = append(evicted, victim)
		w.log.Debug().Str("id", victim.ID).Msg("evicted from working memory")
	}
	return evicted
}

func (w *WorkingMemory) notifyForget(cb ForgetCallback, evicted []MemoryItem) {
	if cb == nil {
		return
	}
	for _, victim := range evicted {
		cb(victim)
	}
}

// Retrieve returns the window filtered by scope. The query text is ignored;
// working memory is recency context, not a search index. Items flagged
// forgotten are skipped.
func (w *WorkingMemory) Retrieve(opts RetrieveOptions) []MemoryItem {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []MemoryItem
	for _, item := range w.items {
		if opts.GroupID != "" && item.GroupID != opts.GroupID {
			continue
		}
		if opts.UserID != "" && item.UserID != opts.UserID {
			continue
		}
		if item.metaBool(metaForgotten) {
			continue
		}
		out = append(out, item)
		if opts.TopK > 0 && len(out) >= opts.TopK {
			break
		}
	}
	return out
}

// Update rewrites content and/or merges metadata for an item in the window,
// adjusting the token total by the content delta. Returns false when the id
// is not present.
func (w *WorkingMemory) Update(id string, content *string, metadata map[string]any) bool {
	w.mu.Lock()
	for i := range w.items {
		if w.items[i].ID != id {
			continue
		}
		if content != nil {
			w.tokens += estimateTokens(*content) - estimateTokens(w.items[i].Content)
			if w.tokens < 0 {
				w.tokens = 0
			}
			w.items[i].Content = *content
		}
		if metadata != nil {
			m := w.items[i].meta()
			for k, v := range metadata {
				m[k] = v
			}
		}
		evicted := w.evictLocked()
		cb := w.onForget
		w.mu.Unlock()

		w.notifyForget(cb, evicted)
		return true
	}
	w.mu.Unlock()
	return false
}

// Remove drops an item from the window. Returns false when absent.
func (w *WorkingMemory) Remove(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.items {
		if w.items[i].ID != id {
			continue
		}
		w.tokens -= estimateTokens(w.items[i].Content)
		if w.tokens < 0 {
			w.tokens = 0
		}
		w.items = append(w.items[:i], w.items[i+1:]...)
		return true
	}
	return false
}

// Clear empties the window without invoking the forget callback.
func (w *WorkingMemory) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = nil
	w.tokens = 0
}

// Count returns the number of items currently held.
func (w *WorkingMemory) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Stats reports occupancy and session age.
func (w *WorkingMemory) Stats() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	countRatio := 0.0
	if w.capacity > 0 {
		countRatio = float64(len(w.items)) / float64(w.capacity)
	}
	tokenRatio := 0.0
	if w.maxTokens > 0 {
		tokenRatio = float64(w.tokens) / float64(w.maxTokens)
	}
	return map[string]any{
		"count":            len(w.items),
		"capacity":         w.capacity,
		"count_ratio":      countRatio,
		"tokens":           w.tokens,
		"max_tokens":       w.maxTokens,
		"token_ratio":      tokenRatio,
		"session_duration": time.Since(w.sessionStart).String(),
	}
}
