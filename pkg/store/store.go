// Package store provides the durable backends behind the memory tiers: a
// relational document store (system of record), a vector store, and a graph
// store. All three run on SQLite; the memory tiers talk to them through
// narrow interfaces and never see SQL.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Record is one authoritative memory document.
type Record struct {
	ID         string
	UserID     string
	GroupID    string
	Content    string
	MemoryType string
	Timestamp  int64
	Metadata   map[string]any
}

// SearchOptions narrows a document-store search. Zero values mean "no
// constraint". Metadata entries become equality filters over the JSON blob.
type SearchOptions struct {
	UserID     string
	GroupID    string
	MemoryType string
	StartTime  int64
	EndTime    int64
	Metadata   map[string]any
	OrderBy    string
	Limit      int
}

// Hit is one vector search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Node is one graph entity node.
type Node struct {
	ID        string
	Label     string
	Name      string
	Props     map[string]any
	Frequency int
}

// Edge is one typed graph relationship.
type Edge struct {
	FromID    string
	ToID      string
	Type      string
	Props     map[string]any
	Frequency int
}

// openDB opens (creating directories as needed) a SQLite database configured
// for a single-process store: one shared connection avoids writer lock
// contention under concurrent goroutines.
func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}
	return db, nil
}

// sqliteJSONValue adapts a Go value for comparison against json_extract
// output. SQLite stores JSON booleans as 0/1.
func sqliteJSONValue(v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return v
}

// safeJSONPath rejects filter keys that would break out of the json_extract
// path literal.
func safeJSONPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `'"$[]`) {
		return "", fmt.Errorf("invalid metadata filter key %q", key)
	}
	return "$." + key, nil
}
