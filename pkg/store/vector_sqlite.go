package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// VectorStore keeps embedding points with JSON payloads and answers
// similarity queries with a flat cosine scan. Collections are independent
// tables in one database file.
type VectorStore struct {
	db         *sql.DB
	collection string
}

// NewVectorStore opens the vector database and ensures the collection table.
func NewVectorStore(path, collection string) (*VectorStore, error) {
	if !validCollection(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &VectorStore{db: db, collection: collection}
	if err := s.ensureTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func validCollection(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func (s *VectorStore) table() string { return "points_" + s.collection }

func (s *VectorStore) ensureTable() error {
	_, err := s.db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id      TEXT PRIMARY KEY,
	vector  TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}'
)`, s.table()))
	if err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	return nil
}

// Upsert writes points by id. ids, vectors and payloads must be equal length.
func (s *VectorStore) Upsert(ids []string, vectors [][]float32, payloads []map[string]any) error {
	if len(ids) != len(vectors) || len(ids) != len(payloads) {
		return fmt.Errorf("upsert length mismatch: %d ids, %d vectors, %d payloads",
			len(ids), len(vectors), len(payloads))
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf(`
INSERT INTO %s (id, vector, payload) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET vector = excluded.vector, payload = excluded.payload`, s.table()))
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i, id := range ids {
		vec, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("marshal vector %s: %w", id, err)
		}
		pay, err := json.Marshal(orEmpty(payloads[i]))
		if err != nil {
			return fmt.Errorf("marshal payload %s: %w", id, err)
		}
		if _, err := stmt.Exec(id, string(vec), string(pay)); err != nil {
			return fmt.Errorf("upsert point %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Search returns the topK points by cosine similarity against query, after
// applying payload equality filters in SQL.
func (s *VectorStore) Search(query []float32, topK int, filter map[string]any) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	rows, err := s.filteredRows(filter, 0)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id, vecJSON, payJSON string
		)
		if err := rows.Scan(&id, &vecJSON, &payJSON); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
			continue
		}
		score := cosine(query, vec)
		payload := map[string]any{}
		_ = json.Unmarshal([]byte(payJSON), &payload)
		hits = append(hits, Hit{ID: id, Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Fetch returns up to limit points matching the payload filter without
// scoring them. Score is zero on every hit.
func (s *VectorStore) Fetch(filter map[string]any, limit int) ([]Hit, error) {
	rows, err := s.filteredRows(filter, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, vecJSON, payJSON string
		if err := rows.Scan(&id, &vecJSON, &payJSON); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		payload := map[string]any{}
		_ = json.Unmarshal([]byte(payJSON), &payload)
		hits = append(hits, Hit{ID: id, Payload: payload})
	}
	return hits, rows.Err()
}

// DeleteByIDs removes the named points.
func (s *VectorStore) DeleteByIDs(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, s.table(), placeholders), args...); err != nil {
		return fmt.Errorf("delete points: %w", err)
	}
	return nil
}

// DeleteByFilter removes all points whose payload matches the equality
// filter, returning how many were removed.
func (s *VectorStore) DeleteByFilter(filter map[string]any) (int, error) {
	where, args, err := payloadWhere(filter)
	if err != nil {
		return 0, err
	}
	q := `DELETE FROM ` + s.table()
	if where != "" {
		q += " WHERE " + where
	}
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return 0, fmt.Errorf("delete by filter: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Clear drops and recreates the collection.
func (s *VectorStore) Clear() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS ` + s.table()); err != nil {
		return fmt.Errorf("drop collection %s: %w", s.collection, err)
	}
	return s.ensureTable()
}

// Count reports the number of stored points.
func (s *VectorStore) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + s.table()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return n, nil
}

// Close releases the underlying database.
func (s *VectorStore) Close() error { return s.db.Close() }

func (s *VectorStore) filteredRows(filter map[string]any, limit int) (*sql.Rows, error) {
	where, args, err := payloadWhere(filter)
	if err != nil {
		return nil, err
	}
	q := `SELECT id, vector, payload FROM ` + s.table()
	if where != "" {
		q += " WHERE " + where
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	return rows, nil
}

func payloadWhere(filter map[string]any) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	for key, val := range filter {
		path, err := safeJSONPath(key)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, fmt.Sprintf("json_extract(payload, '%s') = ?", path))
		args = append(args, sqliteJSONValue(val))
	}
	return strings.Join(conds, " AND "), args, nil
}

// cosine returns the cosine similarity of two vectors, zero on dimension
// mismatch or zero magnitude.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
