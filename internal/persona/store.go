package persona

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Selection is the persisted shape of persona.json.
type Selection struct {
	DefaultSlug string    `json:"defaultSlug"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store reads and atomically writes the default-persona selection file.
// A per-Store mutex serializes reads and writes through that Store,
// rather than file locking.
type Store struct {
	path    string
	catalog *Catalog
	mu      sync.Mutex
}

// NewStore creates a persona selection store backed by the file at path.
func NewStore(path string, catalog *Catalog) *Store {
	return &Store{path: path, catalog: catalog}
}

// GetDefault reads the persisted selection. A missing or corrupt file
// yields the catalog default rather than an error: corrupted state
// must never block startup.
func (s *Store) GetDefault() Persona {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.catalog.Default()
	}
	var sel Selection
	if err := json.Unmarshal(data, &sel); err != nil {
		return s.catalog.Default()
	}
	p, ok := s.catalog.Get(sel.DefaultSlug)
	if !ok {
		return s.catalog.Default()
	}
	return p
}

// SetDefault validates slug against the catalog and atomically persists
// the selection (temp file + rename). Unknown slugs are rejected.
func (s *Store) SetDefault(slug string) error {
	if !s.catalog.Valid(slug) {
		return fmt.Errorf("persona: unknown slug %q", slug)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sel := Selection{DefaultSlug: slug, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(sel, "", "  ")
	if err != nil {
		return fmt.Errorf("persona: marshal selection: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to a temp file in the same directory as
// path and renames it into place, so readers never observe a partial
// write. No library in the corpus provides this; it is a hand-rolled
// rename instead of an ecosystem helper (internal/chat carries its own
// copy of the same pattern).
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
