package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/llm"
)

// StoreRequest is the input to Manager.Store. Layer defaults to the
// Manager's own bound layer when empty.
type StoreRequest struct {
	Content  string
	Role     Role
	Layer    Layer
	Source   string
	Tags     []string
	Metadata map[string]string
}

// RecallRequest is the input to Manager.Recall.
//
// When Layer is set, only that layer is searched. Otherwise the
// IncludeShort/IncludeMeta/IncludeLong flags select working/episodic/
// semantic respectively; if none are set, all three are searched.
type RecallRequest struct {
	Query        string
	Layer        Layer
	Limit        int
	IncludeShort bool
	IncludeMeta  bool
	IncludeLong  bool
}

// SummarizeRequest is the input to Manager.Summarize.
type SummarizeRequest struct {
	ConversationText string
	Layer            Layer // defaults to episodic
}

// Manager is a per-(user, layer, remoteSync) facade over the shared
// backing stores held by a Registry. Multiple Managers for the same
// user share the same working/episodic/semantic data; what's private
// to each Manager is its own LayerStats counters and local-fallback
// mode, so each (user, layer, remoteSync) combination gets one cache entry.
type Manager struct {
	registry   *Registry
	user       string
	layer      Layer
	remoteSync bool

	mu    sync.Mutex
	stats LayerStats
	mode  string
}

// Store validates, optionally enriches, and persists a memory record.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (MemoryRecord, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return MemoryRecord{}, apperr.New(apperr.KindValidation, "memory", "content must not be empty")
	}

	layer := req.Layer
	if layer == "" {
		layer = m.layer
	}
	if !layer.Valid() {
		return MemoryRecord{}, apperr.New(apperr.KindValidation, "memory", "unknown layer: "+string(layer))
	}

	role := req.Role
	if role == "" {
		role = RoleUser
	}

	tags := normalizeTags(req.Tags)
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	source := req.Source

	if m.registry.enrich != nil {
		result := m.registry.enrich.enrich(ctx, content)
		tags = mergeTags(tags, result.Tags)
		metadata = mergeMetadata(metadata, result.Metadata)
		if source == "" {
			source = result.Source
		}
	}

	rec := MemoryRecord{Role: role, Content: content, Tags: tags, Metadata: metadata, Source: source}

	stored, err := m.registry.storeRecord(m.user, layer, rec)
	if err != nil {
		return MemoryRecord{}, apperr.Wrap(apperr.KindProvider, "memory", "store record", err)
	}

	m.mu.Lock()
	m.stats.Stored++
	m.mu.Unlock()

	if m.remoteSync {
		m.syncRemote(ctx, layer, content)
	}

	return stored, nil
}

func (m *Manager) syncRemote(ctx context.Context, layer Layer, content string) {
	_, err := m.registry.remote.Commit(ctx, m.user, layer, content)
	m.mu.Lock()
	if err != nil {
		m.mode = "local-fallback"
	} else {
		m.mode = ""
	}
	m.mu.Unlock()
}

// Recall scores candidate records by 0.6*tag_overlap + 0.4*substring_match,
// breaking ties by recency, and returns the top Limit (default 10).
func (m *Manager) Recall(ctx context.Context, req RecallRequest) ([]MemoryRecord, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	layers, err := recallLayers(req)
	if err != nil {
		return nil, err
	}

	var candidates []MemoryRecord
	for _, l := range layers {
		recs, err := m.registry.recordsForLayer(m.user, l)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindProvider, "memory", "recall records", err)
		}
		candidates = append(candidates, recs...)
	}

	queryTokens := tokenize(req.Query)
	lowerQuery := strip(req.Query)
	for i := range candidates {
		candidates[i].Score = scoreRecord(candidates[i], queryTokens, lowerQuery)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	m.mu.Lock()
	m.stats.Retrieved += len(candidates)
	m.mu.Unlock()

	return candidates, nil
}

func recallLayers(req RecallRequest) ([]Layer, error) {
	if req.Layer != "" {
		if !req.Layer.Valid() {
			return nil, apperr.New(apperr.KindValidation, "memory", "unknown layer: "+string(req.Layer))
		}
		return []Layer{req.Layer}, nil
	}

	includeShort, includeMeta, includeLong := req.IncludeShort, req.IncludeMeta, req.IncludeLong
	if !includeShort && !includeMeta && !includeLong {
		includeShort, includeMeta, includeLong = true, true, true
	}

	var layers []Layer
	if includeShort {
		layers = append(layers, LayerWorking)
	}
	if includeMeta {
		layers = append(layers, LayerEpisodic)
	}
	if includeLong {
		layers = append(layers, LayerSemantic)
	}
	return layers, nil
}

func scoreRecord(rec MemoryRecord, queryTokens map[string]struct{}, lowerQuery string) float64 {
	// tagOverlap is a count of matching tags, not a fraction of the
	// record's tag set: a record tagged {a,b} that matches both query
	// tokens must outrank one tagged {a} that matches only one, so
	// dividing by len(rec.Tags) (which would score both 1.0) is wrong.
	tagOverlap := 0.0
	for _, t := range rec.Tags {
		if _, ok := queryTokens[t]; ok {
			tagOverlap++
		}
	}

	substringMatch := 0.0
	if lowerQuery != "" && strings.Contains(strip(rec.Content), lowerQuery) {
		substringMatch = 1.0
	}

	return 0.6*tagOverlap + 0.4*substringMatch
}

func tokenize(query string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strip(query)) {
		out[w] = struct{}{}
	}
	return out
}

// Validate is an explicit-only callable: validatedCount only changes
// through this call, never implicitly from Store or Recall.
func (m *Manager) Validate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Validated++
	m.stats.ValidatedCount++
	return nil
}

// Stats returns a per-layer snapshot plus aggregate totals for this
// Manager's user across all of that user's cached layer managers. If
// layer is non-empty, only that layer's snapshot is returned (still
// inside the Layers map, for a uniform shape).
func (m *Manager) Stats(layer Layer) MemoryStats {
	all := m.registry.statsForUser(m.user)
	if layer == "" {
		return all
	}
	ls := all.Layers[layer]
	return MemoryStats{Layers: map[Layer]LayerStats{layer: ls}, Total: ls, Mode: all.Mode}
}

// Summarize asks the LLM to summarize conversationText and stores the
// result as a new record at the requested layer (default episodic).
// LLM failures degrade gracefully: ok is false, no record is stored.
func (m *Manager) Summarize(ctx context.Context, req SummarizeRequest) (rec MemoryRecord, ok bool) {
	if m.registry.completer == nil {
		return MemoryRecord{}, false
	}

	layer := req.Layer
	if layer == "" {
		layer = LayerEpisodic
	}

	resp, err := m.registry.completer.Complete(ctx, llm.CompleteRequest{
		System: "Summarize the following conversation concisely. Preserve " +
			"key facts, decisions, and open questions. Write plain prose, no preamble.",
		User: req.ConversationText,
	})
	if err != nil {
		return MemoryRecord{}, false
	}

	stored, err := m.Store(ctx, StoreRequest{
		Content: resp.Content,
		Role:    RoleSystem,
		Layer:   layer,
		Source:  "summarize",
	})
	if err != nil {
		return MemoryRecord{}, false
	}

	m.mu.Lock()
	m.stats.Summarized++
	m.mu.Unlock()

	return stored, true
}

// Registry owns the shared backing stores (working/episodic/semantic)
// and the cache of per-(user, layer, remoteSync) Manager facades.
// clearCache (Reset) drops all cached managers but leaves the backing
// stores and their data untouched.
type Registry struct {
	mu       sync.Mutex
	managers map[cacheKey]*Manager

	working   *workingStore
	episodic  *sqliteLayer
	semantic  *sqliteLayer
	remote    RemoteSyncer
	enrich    *enricher
	completer *llm.Completer
}

type cacheKey struct {
	user       string
	layer      Layer
	remoteSync bool
}

// RegistryConfig configures a new Registry's backing stores.
type RegistryConfig struct {
	EpisodicDBPath string
	SemanticDBPath string
	WorkingCap     int
	Remote         RemoteSyncer          // nil -> NoopRemoteSync
	Completer      *llm.Completer         // nil disables enrichment and summarize
	EnrichEnabled  bool
}

// NewRegistry opens the episodic/semantic SQLite layers and builds the
// shared working-memory store.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	episodic, err := newSQLiteLayer(cfg.EpisodicDBPath, LayerEpisodic)
	if err != nil {
		return nil, err
	}
	semantic, err := newSQLiteLayer(cfg.SemanticDBPath, LayerSemantic)
	if err != nil {
		episodic.close()
		return nil, err
	}

	remote := cfg.Remote
	if remote == nil {
		remote = NoopRemoteSync{}
	}

	var enrich *enricher
	if cfg.EnrichEnabled && cfg.Completer != nil {
		enrich = newEnricher(cfg.Completer, nil)
	}

	return &Registry{
		managers:  make(map[cacheKey]*Manager),
		working:   newWorkingStore(cfg.WorkingCap),
		episodic:  episodic,
		semantic:  semantic,
		remote:    remote,
		enrich:    enrich,
		completer: cfg.Completer,
	}, nil
}

// Get returns the cached Manager for (user, layer, remoteSync),
// creating it on first access.
func (r *Registry) Get(user string, layer Layer, remoteSync bool) (*Manager, error) {
	if strings.TrimSpace(user) == "" {
		return nil, apperr.New(apperr.KindUserRequired, "memory", "user is required")
	}
	if !layer.Valid() {
		return nil, apperr.New(apperr.KindValidation, "memory", "unknown layer: "+string(layer))
	}

	key := cacheKey{user: user, layer: layer, remoteSync: remoteSync}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[key]; ok {
		return m, nil
	}
	m := &Manager{registry: r, user: user, layer: layer, remoteSync: remoteSync}
	r.managers[key] = m
	return m, nil
}

// Reset drops all cached Manager facades (clearCache). Backing store
// data is untouched.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers = make(map[cacheKey]*Manager)
}

// Close releases the SQLite-backed layers.
func (r *Registry) Close() error {
	if err := r.episodic.close(); err != nil {
		return err
	}
	return r.semantic.close()
}

func (r *Registry) storeRecord(user string, layer Layer, rec MemoryRecord) (MemoryRecord, error) {
	switch layer {
	case LayerWorking:
		return r.working.store(user, rec)
	case LayerEpisodic:
		return r.episodic.store(user, rec)
	case LayerSemantic:
		return r.semantic.store(user, rec)
	default:
		return MemoryRecord{}, fmt.Errorf("unknown layer %s", layer)
	}
}

func (r *Registry) recordsForLayer(user string, layer Layer) ([]MemoryRecord, error) {
	switch layer {
	case LayerWorking:
		return r.working.all(user), nil
	case LayerEpisodic:
		return r.episodic.all(user)
	case LayerSemantic:
		return r.semantic.all(user)
	default:
		return nil, fmt.Errorf("unknown layer %s", layer)
	}
}

// statsForUser aggregates every cached Manager's counters for user,
// regardless of remoteSync flag, into one per-layer snapshot.
func (r *Registry) statsForUser(user string) MemoryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	layers := make(map[Layer]LayerStats)
	var total LayerStats
	mode := ""

	for key, m := range r.managers {
		if key.user != user {
			continue
		}
		m.mu.Lock()
		ls := m.stats
		if m.mode == "local-fallback" {
			mode = "local-fallback"
		}
		m.mu.Unlock()

		existing := layers[key.layer]
		existing = addLayerStats(existing, ls)
		layers[key.layer] = existing
		total = addLayerStats(total, ls)
	}

	return MemoryStats{Layers: layers, Total: total, Mode: mode}
}

func addLayerStats(a, b LayerStats) LayerStats {
	return LayerStats{
		Stored:         a.Stored + b.Stored,
		Retrieved:      a.Retrieved + b.Retrieved,
		Validated:      a.Validated + b.Validated,
		Summarized:     a.Summarized + b.Summarized,
		EphemeralCount: a.EphemeralCount + b.EphemeralCount,
		ValidatedCount: a.ValidatedCount + b.ValidatedCount,
	}
}
