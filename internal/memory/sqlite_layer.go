package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteLayer backs both the episodic and semantic layers, using a WAL
// journal mode, a busy timeout, and a single migrate() call at open.
// There is no FTS5 virtual table: tag-overlap and substring scoring is
// computed in Go over the per-user row set, which stays small enough
// per user that an index scan plus a Go sort is simpler than wiring
// SQLite full-text search for both layers.
type sqliteLayer struct {
	db    *sql.DB
	layer Layer
}

func newSQLiteLayer(dbPath string, layer Layer) (*sqliteLayer, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s memory database: %w", layer, err)
	}

	s := &sqliteLayer{db: db, layer: layer}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s memory database: %w", layer, err)
	}
	return s, nil
}

func (s *sqliteLayer) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		user TEXT NOT NULL,
		layer TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		source TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user_layer ON memories(user, layer, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteLayer) close() error {
	return s.db.Close()
}

func (s *sqliteLayer) store(user string, rec MemoryRecord) (MemoryRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return MemoryRecord{}, err
	}
	rec.ID = id.String()
	rec.Layer = s.layer
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	tagsJSON, err := json.Marshal(rec.Tags)
	if err != nil {
		return MemoryRecord{}, err
	}
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return MemoryRecord{}, err
	}

	_, err = s.db.Exec(
		`INSERT INTO memories (id, user, layer, role, content, tags, metadata, source, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, user, string(rec.Layer), string(rec.Role), rec.Content, string(tagsJSON), string(metaJSON), rec.Source, rec.Timestamp,
	)
	if err != nil {
		return MemoryRecord{}, fmt.Errorf("insert memory: %w", err)
	}

	return rec, nil
}

func (s *sqliteLayer) all(user string) ([]MemoryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, tags, metadata, source, timestamp
		 FROM memories WHERE user = ? AND layer = ? ORDER BY timestamp ASC`,
		user, string(s.layer),
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows, s.layer)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteLayer) count(user string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE user = ? AND layer = ?`, user, string(s.layer)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(r rowScanner, layer Layer) (MemoryRecord, error) {
	var (
		id, role, content, tagsJSON, metaJSON, source string
		ts                                             time.Time
	)
	if err := r.Scan(&id, &role, &content, &tagsJSON, &metaJSON, &source, &ts); err != nil {
		return MemoryRecord{}, fmt.Errorf("scan memory row: %w", err)
	}

	var tags []string
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		tags = nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		meta = nil
	}

	return MemoryRecord{
		ID:        id,
		Layer:     layer,
		Role:      Role(role),
		Content:   content,
		Tags:      tags,
		Metadata:  meta,
		Source:    source,
		Timestamp: ts,
	}, nil
}

// strip normalizes text for substring scoring: lowercase, collapsed
// whitespace.
func strip(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
