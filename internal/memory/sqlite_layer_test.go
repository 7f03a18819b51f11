package memory

import (
	"path/filepath"
	"testing"
)

func newTestSQLiteLayer(t *testing.T, layer Layer) *sqliteLayer {
	t.Helper()
	path := filepath.Join(t.TempDir(), string(layer)+".db")
	s, err := newSQLiteLayer(path, layer)
	if err != nil {
		t.Fatalf("newSQLiteLayer: %v", err)
	}
	t.Cleanup(func() { s.close() })
	return s
}

func TestSQLiteLayerStoreAndAll(t *testing.T) {
	s := newTestSQLiteLayer(t, LayerEpisodic)

	rec, err := s.store("alice", MemoryRecord{
		Role:     RoleUser,
		Content:  "remember this",
		Tags:     []string{"b", "a"},
		Metadata: map[string]string{"k": "v"},
		Source:   "chat",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if rec.ID == "" {
		t.Error("expected a generated ID")
	}
	if rec.Layer != LayerEpisodic {
		t.Errorf("expected LayerEpisodic, got %v", rec.Layer)
	}

	all, err := s.all("alice")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 record, got %d", len(all))
	}
	got := all[0]
	if got.Content != "remember this" {
		t.Errorf("unexpected content: %q", got.Content)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "b" || got.Tags[1] != "a" {
		t.Errorf("expected tags round-tripped in stored order, got %v", got.Tags)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("expected metadata round-tripped, got %v", got.Metadata)
	}
	if got.Source != "chat" {
		t.Errorf("expected source round-tripped, got %q", got.Source)
	}
}

func TestSQLiteLayerIsolatedByUserAndLayer(t *testing.T) {
	episodic := newTestSQLiteLayer(t, LayerEpisodic)
	episodic.store("alice", MemoryRecord{Content: "a1"})
	episodic.store("bob", MemoryRecord{Content: "b1"})

	aliceAll, err := episodic.all("alice")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(aliceAll) != 1 {
		t.Fatalf("expected 1 record for alice, got %d", len(aliceAll))
	}

	count, err := episodic.count("bob")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record for bob, got %d", count)
	}
}

func TestSQLiteLayerOrdersByTimestampAscending(t *testing.T) {
	s := newTestSQLiteLayer(t, LayerSemantic)
	s.store("alice", MemoryRecord{Content: "first"})
	s.store("alice", MemoryRecord{Content: "second"})

	all, err := s.all("alice")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0].Content != "first" || all[1].Content != "second" {
		t.Fatalf("expected insertion order, got %+v", all)
	}
}

func TestStripNormalizesWhitespaceAndCase(t *testing.T) {
	got := strip("  Hello   WORLD  \n")
	if got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}
