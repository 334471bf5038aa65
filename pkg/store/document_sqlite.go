package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// DocumentStore is the authoritative record store. Writes here must succeed
// for a memory operation to count as done; the vector and graph stores are
// rebuildable projections.
type DocumentStore struct {
	db *sql.DB
}

// Allowed ORDER BY columns for Search. Anything else falls back to timestamp.
var orderWhitelist = map[string]string{
	"timestamp":       "timestamp",
	"timestamp ASC":   "timestamp ASC",
	"timestamp DESC":  "timestamp DESC",
	"created_at":      "created_at",
	"created_at ASC":  "created_at ASC",
	"created_at DESC": "created_at DESC",
	"updated_at":      "updated_at",
	"updated_at ASC":  "updated_at ASC",
	"updated_at DESC": "updated_at DESC",
}

// NewDocumentStore opens (or creates) the document database at path.
func NewDocumentStore(path string) (*DocumentStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	schema := `
CREATE TABLE IF NOT EXISTS memories (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	group_id    TEXT NOT NULL DEFAULT '',
	memory_type TEXT NOT NULL DEFAULT '',
	content     TEXT NOT NULL,
	timestamp   INTEGER NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(group_id, user_id);
CREATE INDEX IF NOT EXISTS idx_memories_type_ts ON memories(memory_type, timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create memories schema: %w", err)
	}
	return &DocumentStore{db: db}, nil
}

// Put inserts or replaces a record by id.
func (s *DocumentStore) Put(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id required")
	}
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO memories (id, user_id, group_id, memory_type, content, timestamp, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id = excluded.user_id,
	group_id = excluded.group_id,
	memory_type = excluded.memory_type,
	content = excluded.content,
	timestamp = excluded.timestamp,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at`,
		rec.ID, rec.UserID, rec.GroupID, rec.MemoryType, rec.Content,
		rec.Timestamp, string(meta), rec.Timestamp, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record and whether it exists.
func (s *DocumentStore) Get(id string) (Record, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, group_id, memory_type, content, timestamp, metadata FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, true, nil
}

// Search returns records matching opts, ordered and limited as requested.
func (s *DocumentStore) Search(opts SearchOptions) ([]Record, error) {
	where, args, err := buildWhere(opts)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, user_id, group_id, memory_type, content, timestamp, metadata FROM memories`
	if where != "" {
		q += " WHERE " + where
	}
	order, ok := orderWhitelist[opts.OrderBy]
	if !ok {
		order = "timestamp DESC"
	}
	q += " ORDER BY " + order
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of records matching opts (OrderBy/Limit ignored).
func (s *DocumentStore) Count(opts SearchOptions) (int, error) {
	where, args, err := buildWhere(opts)
	if err != nil {
		return 0, err
	}
	q := `SELECT COUNT(*) FROM memories`
	if where != "" {
		q += " WHERE " + where
	}
	var n int
	if err := s.db.QueryRow(q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Update overwrites content and/or metadata of an existing record. Nil means
// leave that field alone. Returns false when the id does not exist.
func (s *DocumentStore) Update(id string, content *string, metadata map[string]any) (bool, error) {
	sets := []string{"updated_at = strftime('%s','now')"}
	args := []any{}
	if content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *content)
	}
	if metadata != nil {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		sets = append(sets, "metadata = ?")
		args = append(args, string(meta))
	}
	args = append(args, id)
	res, err := s.db.Exec(`UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("update record %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes a record, reporting whether it existed.
func (s *DocumentStore) Delete(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes all records of the given type, or everything when empty.
func (s *DocumentStore) Clear(memoryType string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if memoryType == "" {
		res, err = s.db.Exec(`DELETE FROM memories`)
	} else {
		res, err = s.db.Exec(`DELETE FROM memories WHERE memory_type = ?`, memoryType)
	}
	if err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TimeSpan returns the min and max timestamps for a type (zeroes when empty).
func (s *DocumentStore) TimeSpan(memoryType string) (int64, int64, error) {
	var lo, hi sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(timestamp), MAX(timestamp) FROM memories WHERE memory_type = ?`, memoryType).
		Scan(&lo, &hi)
	if err != nil {
		return 0, 0, fmt.Errorf("time span: %w", err)
	}
	return lo.Int64, hi.Int64, nil
}

// Close releases the underlying database.
func (s *DocumentStore) Close() error { return s.db.Close() }

func buildWhere(opts SearchOptions) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	if opts.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.GroupID != "" {
		conds = append(conds, "group_id = ?")
		args = append(args, opts.GroupID)
	}
	if opts.MemoryType != "" {
		conds = append(conds, "memory_type = ?")
		args = append(args, opts.MemoryType)
	}
	if opts.StartTime != 0 {
		conds = append(conds, "timestamp >= ?")
		args = append(args, opts.StartTime)
	}
	if opts.EndTime != 0 {
		conds = append(conds, "timestamp <= ?")
		args = append(args, opts.EndTime)
	}
	for key, val := range opts.Metadata {
		path, err := safeJSONPath(key)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, fmt.Sprintf("json_extract(metadata, '%s') = ?", path))
		args = append(args, sqliteJSONValue(val))
	}
	return strings.Join(conds, " AND "), args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec  Record
		meta string
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.GroupID, &rec.MemoryType, &rec.Content, &rec.Timestamp, &meta); err != nil {
		return Record{}, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
