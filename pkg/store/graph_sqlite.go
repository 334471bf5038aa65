package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// GraphStore keeps the entity/relation knowledge graph in two tables. Node
// and edge upserts bump a frequency counter so repeated observations
// strengthen rather than duplicate.
type GraphStore struct {
	db *sql.DB
}

// NewGraphStore opens the graph database at path.
func NewGraphStore(path string) (*GraphStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	schema := `
CREATE TABLE IF NOT EXISTS nodes (
	id        TEXT PRIMARY KEY,
	label     TEXT NOT NULL DEFAULT '',
	name      TEXT NOT NULL DEFAULT '',
	props     TEXT NOT NULL DEFAULT '{}',
	frequency INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(name);
CREATE TABLE IF NOT EXISTS edges (
	from_id   TEXT NOT NULL,
	to_id     TEXT NOT NULL,
	edge_type TEXT NOT NULL,
	props     TEXT NOT NULL DEFAULT '{}',
	frequency INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (from_id, to_id, edge_type)
);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create graph schema: %w", err)
	}
	return &GraphStore{db: db}, nil
}

// UpsertNode creates the node or, when it already exists, merges props and
// bumps frequency. The display name is taken from props["name"], falling
// back to the id.
func (s *GraphStore) UpsertNode(id, label string, props map[string]any) error {
	if id == "" {
		return fmt.Errorf("node id required")
	}
	name := id
	if n, ok := props["name"].(string); ok && n != "" {
		name = n
	}
	blob, err := json.Marshal(orEmpty(props))
	if err != nil {
		return fmt.Errorf("marshal node props: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO nodes (id, label, name, props, frequency) VALUES (?, ?, ?, ?, 1)
ON CONFLICT(id) DO UPDATE SET
	label = excluded.label,
	name = excluded.name,
	props = json_patch(nodes.props, excluded.props),
	frequency = nodes.frequency + 1`,
		id, label, name, string(blob))
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", id, err)
	}
	return nil
}

// UpsertEdge creates or strengthens a typed edge between two nodes.
func (s *GraphStore) UpsertEdge(fromID, toID, edgeType string, props map[string]any) error {
	if fromID == "" || toID == "" || edgeType == "" {
		return fmt.Errorf("edge endpoints and type required")
	}
	blob, err := json.Marshal(orEmpty(props))
	if err != nil {
		return fmt.Errorf("marshal edge props: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO edges (from_id, to_id, edge_type, props, frequency) VALUES (?, ?, ?, ?, 1)
ON CONFLICT(from_id, to_id, edge_type) DO UPDATE SET
	props = json_patch(edges.props, excluded.props),
	frequency = edges.frequency + 1`,
		fromID, toID, edgeType, string(blob))
	if err != nil {
		return fmt.Errorf("upsert edge %s-%s-%s: %w", fromID, edgeType, toID, err)
	}
	return nil
}

// GetNode returns a node and whether it exists.
func (s *GraphStore) GetNode(id string) (Node, bool, error) {
	row := s.db.QueryRow(`SELECT id, label, name, props, frequency FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, fmt.Errorf("get node %s: %w", id, err)
	}
	return n, true, nil
}

// FindNodesByName matches node names case-insensitively by substring.
func (s *GraphStore) FindNodesByName(pattern string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, label, name, props, frequency FROM nodes
		 WHERE name LIKE ? ESCAPE '\' COLLATE NOCASE ORDER BY frequency DESC LIMIT ?`,
		"%"+escapeLike(pattern)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("find nodes by name: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// FindNeighbors walks edges outward from start up to maxDepth hops,
// optionally restricted to edge types, and returns the visited nodes
// (excluding start itself).
func (s *GraphStore) FindNeighbors(startID string, edgeTypes []string, maxDepth, limit int) ([]Node, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if limit <= 0 {
		limit = 50
	}
	visited := map[string]bool{startID: true}
	frontier := []string{startID}
	var found []string

	for depth := 0; depth < maxDepth && len(frontier) > 0 && len(found) < limit; depth++ {
		next, err := s.adjacent(frontier, edgeTypes)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range next {
			if visited[id] {
				continue
			}
			visited[id] = true
			found = append(found, id)
			frontier = append(frontier, id)
			if len(found) >= limit {
				break
			}
		}
	}
	if len(found) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(found)), ",")
	args := make([]any, len(found))
	for i, id := range found {
		args[i] = id
	}
	rows, err := s.db.Query(
		`SELECT id, label, name, props, frequency FROM nodes WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load neighbor nodes: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

func (s *GraphStore) adjacent(ids []string, edgeTypes []string) ([]string, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, 2*len(ids)+len(edgeTypes))
	for _, id := range ids {
		args = append(args, id)
	}
	for _, id := range ids {
		args = append(args, id)
	}
	q := `SELECT from_id, to_id FROM edges WHERE (from_id IN (` + placeholders + `) OR to_id IN (` + placeholders + `))`
	if len(edgeTypes) > 0 {
		tp := strings.TrimSuffix(strings.Repeat("?,", len(edgeTypes)), ",")
		q += ` AND edge_type IN (` + tp + `)`
		for _, t := range edgeTypes {
			args = append(args, t)
		}
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("walk edges: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		out = append(out, from, to)
	}
	return out, rows.Err()
}

// NodesByTag returns nodes whose props field equals value.
func (s *GraphStore) NodesByTag(field string, value any) ([]Node, error) {
	path, err := safeJSONPath(field)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT id, label, name, props, frequency FROM nodes WHERE json_extract(props, '%s') = ?`, path),
		sqliteJSONValue(value))
	if err != nil {
		return nil, fmt.Errorf("nodes by tag: %w", err)
	}
	defer rows.Close()
	return collectNodes(rows)
}

// DetachDeleteByTag removes all nodes whose props field equals value,
// together with every edge touching them. Returns the node count removed.
func (s *GraphStore) DetachDeleteByTag(field string, value any) (int, error) {
	path, err := safeJSONPath(field)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin detach delete: %w", err)
	}
	defer tx.Rollback()

	match := fmt.Sprintf(`SELECT id FROM nodes WHERE json_extract(props, '%s') = ?`, path)
	val := sqliteJSONValue(value)
	if _, err := tx.Exec(
		`DELETE FROM edges WHERE from_id IN (`+match+`) OR to_id IN (`+match+`)`, val, val); err != nil {
		return 0, fmt.Errorf("detach edges: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM nodes WHERE json_extract(props, '`+path+`') = ?`, val)
	if err != nil {
		return 0, fmt.Errorf("delete nodes: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Clear wipes every node and edge.
func (s *GraphStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM edges`); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM nodes`); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	return nil
}

// Stats reports node and edge counts.
func (s *GraphStore) Stats() (nodes, edges int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&nodes); err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM edges`).Scan(&edges); err != nil {
		return 0, 0, fmt.Errorf("count edges: %w", err)
	}
	return nodes, edges, nil
}

// Close releases the underlying database.
func (s *GraphStore) Close() error { return s.db.Close() }

func scanNode(row rowScanner) (Node, error) {
	var (
		n     Node
		props string
	)
	if err := row.Scan(&n.ID, &n.Label, &n.Name, &props, &n.Frequency); err != nil {
		return Node{}, err
	}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &n.Props); err != nil {
			return Node{}, fmt.Errorf("decode props for %s: %w", n.ID, err)
		}
	}
	return n, nil
}

func collectNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// escapeLike neutralizes LIKE wildcards so patterns match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
