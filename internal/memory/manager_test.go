package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/deepquery/deepquery/internal/apperr"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(RegistryConfig{
		EpisodicDBPath: filepath.Join(dir, "episodic.db"),
		SemanticDBPath: filepath.Join(dir, "semantic.db"),
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryGetRequiresUser(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("", LayerWorking, false)
	if !apperr.Is(err, apperr.KindUserRequired) {
		t.Errorf("expected KindUserRequired, got %v", err)
	}
}

func TestRegistryGetRejectsUnknownLayer(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get("alice", Layer("bogus"), false)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected KindValidation, got %v", err)
	}
}

func TestRegistryGetCachesByKey(t *testing.T) {
	r := newTestRegistry(t)
	m1, err := r.Get("alice", LayerWorking, false)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := r.Get("alice", LayerWorking, false)
	if err != nil {
		t.Fatal(err)
	}
	if m1 != m2 {
		t.Error("expected same Manager instance for identical cache key")
	}

	m3, err := r.Get("alice", LayerEpisodic, false)
	if err != nil {
		t.Fatal(err)
	}
	if m1 == m3 {
		t.Error("expected distinct Manager instances for different layers")
	}
}

func TestRegistryReset(t *testing.T) {
	r := newTestRegistry(t)
	m1, _ := r.Get("alice", LayerWorking, false)
	r.Reset()
	m2, _ := r.Get("alice", LayerWorking, false)
	if m1 == m2 {
		t.Error("expected a fresh Manager after Reset")
	}
}

func TestManagerStoreRejectsEmptyContent(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerWorking, false)

	_, err := m.Store(context.Background(), StoreRequest{Content: "   "})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected KindValidation, got %v", err)
	}
}

func TestManagerStoreDefaultsLayerAndRole(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerEpisodic, false)

	rec, err := m.Store(context.Background(), StoreRequest{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Layer != LayerEpisodic {
		t.Errorf("expected default layer episodic, got %v", rec.Layer)
	}
	if rec.Role != RoleUser {
		t.Errorf("expected default role user, got %v", rec.Role)
	}
}

func TestManagerStoreBumpsStats(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerWorking, false)

	m.Store(context.Background(), StoreRequest{Content: "one"})
	m.Store(context.Background(), StoreRequest{Content: "two"})

	stats := m.Stats(LayerWorking)
	if stats.Layers[LayerWorking].Stored != 2 {
		t.Errorf("expected Stored=2, got %+v", stats.Layers[LayerWorking])
	}
}

type fakeRemote struct {
	err error
}

func (f fakeRemote) Commit(ctx context.Context, user string, layer Layer, content string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ref-123", nil
}

func TestManagerStoreTracksLocalFallbackOnRemoteFailure(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(RegistryConfig{
		EpisodicDBPath: filepath.Join(dir, "episodic.db"),
		SemanticDBPath: filepath.Join(dir, "semantic.db"),
		Remote:         fakeRemote{err: errors.New("unreachable")},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	m, _ := r.Get("alice", LayerEpisodic, true)
	if _, err := m.Store(context.Background(), StoreRequest{Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats(LayerEpisodic)
	if stats.Mode != "local-fallback" {
		t.Errorf("expected local-fallback mode, got %q", stats.Mode)
	}
}

func TestManagerStoreClearsLocalFallbackOnRemoteSuccess(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(RegistryConfig{
		EpisodicDBPath: filepath.Join(dir, "episodic.db"),
		SemanticDBPath: filepath.Join(dir, "semantic.db"),
		Remote:         fakeRemote{},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	m, _ := r.Get("alice", LayerEpisodic, true)
	if _, err := m.Store(context.Background(), StoreRequest{Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	stats := m.Stats(LayerEpisodic)
	if stats.Mode != "" {
		t.Errorf("expected no fallback mode on remote success, got %q", stats.Mode)
	}
}

func TestManagerRecallDefaultsToAllLayers(t *testing.T) {
	r := newTestRegistry(t)

	working, _ := r.Get("alice", LayerWorking, false)
	working.Store(context.Background(), StoreRequest{Content: "working note about go"})

	episodic, _ := r.Get("alice", LayerEpisodic, false)
	episodic.Store(context.Background(), StoreRequest{Content: "episodic note about rust"})

	results, err := working.Recall(context.Background(), RecallRequest{Query: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both layers searched by default, got %d results", len(results))
	}
}

func TestManagerRecallScopedToExplicitLayer(t *testing.T) {
	r := newTestRegistry(t)

	working, _ := r.Get("alice", LayerWorking, false)
	working.Store(context.Background(), StoreRequest{Content: "working note"})

	episodic, _ := r.Get("alice", LayerEpisodic, false)
	episodic.Store(context.Background(), StoreRequest{Content: "episodic note"})

	results, err := working.Recall(context.Background(), RecallRequest{Query: "note", Layer: LayerEpisodic})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Layer != LayerEpisodic {
		t.Fatalf("expected only episodic results, got %+v", results)
	}
}

func TestManagerRecallScoresSubstringAndTagMatches(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerWorking, false)

	m.Store(context.Background(), StoreRequest{Content: "a note about kubernetes deployments", Tags: []string{"kubernetes"}})
	m.Store(context.Background(), StoreRequest{Content: "a note about baking bread"})

	results, err := m.Recall(context.Background(), RecallRequest{Query: "kubernetes", Layer: LayerWorking})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("expected kubernetes match scored higher, got %+v", results)
	}
}

// TestManagerRecallRanksByTagOverlapCount mirrors the seed scenario of
// seeding episodic memory with records tagged {a}, {a,b}, {b} and
// recalling with both tokens implied: the record matching both tags
// must outrank either single-tag match, not tie with it.
func TestManagerRecallRanksByTagOverlapCount(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerEpisodic, false)

	m.Store(context.Background(), StoreRequest{Content: "tagged a only", Tags: []string{"a"}})
	m.Store(context.Background(), StoreRequest{Content: "tagged a and b", Tags: []string{"a", "b"}})
	m.Store(context.Background(), StoreRequest{Content: "tagged b only", Tags: []string{"b"}})

	results, err := m.Recall(context.Background(), RecallRequest{Query: "a b", Layer: LayerEpisodic})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if len(results[0].Tags) != 2 {
		t.Fatalf("expected the two-tag record ranked first, got %+v", results)
	}
	if results[0].Score <= results[1].Score {
		t.Fatalf("expected the two-tag match to score strictly higher than a single-tag match, got %+v", results)
	}
}

func TestManagerRecallRespectsLimit(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerWorking, false)
	for i := 0; i < 5; i++ {
		m.Store(context.Background(), StoreRequest{Content: "note"})
	}

	results, err := m.Recall(context.Background(), RecallRequest{Query: "note", Layer: LayerWorking, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(results))
	}
}

func TestManagerValidateIsExplicitOnly(t *testing.T) {
	r := newTestRegistry(t)
	m, _ := r.Get("alice", LayerWorking, false)

	rec, err := m.Store(context.Background(), StoreRequest{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	stats := m.Stats(LayerWorking)
	if stats.Layers[LayerWorking].Validated != 0 {
		t.Fatalf("expected Validated=0 before explicit call, got %+v", stats.Layers[LayerWorking])
	}

	if err := m.Validate(context.Background(), rec.ID); err != nil {
		t.Fatal(err)
	}

	stats = m.Stats(LayerWorking)
	if stats.Layers[LayerWorking].Validated != 1 || stats.Layers[LayerWorking].ValidatedCount != 1 {
		t.Errorf("expected both counters bumped by Validate, got %+v", stats.Layers[LayerWorking])
	}
}

func TestManagerSummarizeDegradesOnLLMFailure(t *testing.T) {
	r := newTestRegistry(t) // no completer configured
	m, _ := r.Get("alice", LayerEpisodic, false)

	_, ok := m.Summarize(context.Background(), SummarizeRequest{ConversationText: "a long chat"})
	if ok {
		t.Error("expected Summarize to fail gracefully without a completer")
	}
}

func TestStatsAggregatesAcrossRemoteSyncVariants(t *testing.T) {
	r := newTestRegistry(t)

	m1, _ := r.Get("alice", LayerWorking, false)
	m1.Store(context.Background(), StoreRequest{Content: "one"})

	m2, _ := r.Get("alice", LayerWorking, true)
	m2.Store(context.Background(), StoreRequest{Content: "two"})

	stats := m1.Stats("")
	if stats.Total.Stored != 2 {
		t.Errorf("expected aggregate Stored=2 across remoteSync variants, got %+v", stats.Total)
	}
}
