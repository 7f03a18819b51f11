package research

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/config"
	"github.com/deepquery/deepquery/internal/events"
	"github.com/deepquery/deepquery/internal/llm"
	"github.com/deepquery/deepquery/internal/search"
)

// maxFreshHitsPerQuery caps how many new (not-yet-seen) hits a single
// query contributes to extraction.
const maxFreshHitsPerQuery = 10

// maxVariationAttempts is how many phrasings of one Query are tried
// before giving up on it for this depth level.
const maxVariationAttempts = 3

// extractionCharBudget roughly bounds the hit text handed to the
// extraction prompt per query (rough chars-to-tokens ratio of 4).
const extractionCharBudget = 6000

// Orchestrator runs research jobs: bounded breadth-first expansion of
// a topic through search and LLM extraction, using an iteration-loop
// and exhaustion-reason shape generalized from tool-calling iterations
// to depth/breadth query expansion.
type Orchestrator struct {
	search    *search.Manager
	completer *llm.Completer
	bus       *events.Bus
	cfg       config.ResearchConfig
	logger    *slog.Logger
}

// NewOrchestrator builds a research Orchestrator. bus may be nil (no
// telemetry); logger may be nil (uses slog.Default()).
func NewOrchestrator(searchMgr *search.Manager, completer *llm.Completer, bus *events.Bus, cfg config.ResearchConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{search: searchMgr, completer: completer, bus: bus, cfg: cfg, logger: logger.With("component", "research")}
}

// Start runs one research job to completion (or early stop) and
// returns its Result.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Result, error) {
	if req.Topic == "" {
		return nil, apperr.New(apperr.KindValidation, "research", "topic is required")
	}
	if req.OverrideQueries != nil && len(req.OverrideQueries) == 0 {
		return nil, apperr.New(apperr.KindValidation, "research", "overrideQueries, when supplied, must be non-empty")
	}
	if o.search == nil || !o.search.Configured() {
		return nil, apperr.New(apperr.KindCredentialMissing, "research", "search provider not configured")
	}
	if o.completer == nil {
		return nil, apperr.New(apperr.KindCredentialMissing, "research", "llm provider not configured")
	}

	depth := clamp(orDefault(req.Depth, o.cfg.DefaultDepth), 1, 6)
	breadth := clamp(orDefault(req.Breadth, o.cfg.DefaultBreadth), 1, 6)

	id := req.RunID
	if id == "" {
		runID, err := uuid.NewV7()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindProvider, "research", "generate run id", err)
		}
		id = runID.String()
	}

	run := &runState{
		id:      id,
		topic:   req.Topic,
		started: time.Now(),
		sources: make(map[string]string),
		learned: make(map[string]bool),
	}

	o.publishStatus(run.id, StatusRunning, "research started", nil)
	o.publishThought(run.id, ThoughtPlanning, "generating initial queries")

	frontier, err := o.initialFrontier(ctx, req, breadth)
	if err != nil {
		o.publishStatus(run.id, StatusFailed, "failed to generate initial queries", map[string]any{"error": err.Error()})
		return nil, err
	}

	result := o.runLevels(ctx, run, frontier, depth, breadth)
	if result != nil {
		return result, nil
	}

	return o.finish(ctx, run)
}

// runState tracks cross-depth-level accumulation for one run.
type runState struct {
	id      string
	topic   string
	started time.Time

	learnings []Learning
	learned   map[string]bool // normalized text -> seen

	sourceOrder []string
	sources     map[string]string // normalized url -> original url

	totalQueries     int
	completedQueries int
	approxTokensUsed int
	stopReason       string
}

func (o *Orchestrator) initialFrontier(ctx context.Context, req StartRequest, breadth int) ([]Query, error) {
	if len(req.OverrideQueries) > 0 {
		frontier := make([]Query, 0, len(req.OverrideQueries))
		for _, q := range req.OverrideQueries {
			frontier = append(frontier, Query{Variations: []string{q}})
		}
		return frontier, nil
	}

	count := breadth
	if count < 3 {
		count = 3
	}
	return GenerateQueries(ctx, o.completer, req.Topic, count)
}

// runLevels executes the bounded BFS across up to depth levels. It
// returns a non-nil *Result only when the run is cancelled; otherwise
// (including early stops on a budget or an empty frontier) the caller
// proceeds to synthesize the summary from the accumulated state.
func (o *Orchestrator) runLevels(ctx context.Context, run *runState, frontier []Query, depth, breadth int) *Result {
	for d := 1; d <= depth; d++ {
		if ctx.Err() != nil {
			return o.cancelled(run)
		}
		if len(frontier) == 0 {
			run.stopReason = StopNoFrontier
			break
		}

		levelCtx := ctx
		var cancel context.CancelFunc
		if o.cfg.WallClockPerStep > 0 {
			levelCtx, cancel = context.WithTimeout(ctx, o.cfg.WallClockPerStep)
		}

		level := frontier
		if len(level) > breadth {
			level = level[:breadth]
		}
		run.totalQueries += len(level)

		o.publishProgress(run, d, depth, len(level), breadth)

		var candidates []followUpCandidate
		for _, q := range level {
			if levelCtx.Err() != nil {
				break
			}
			candidates = append(candidates, o.runQuery(levelCtx, run, q)...)
			o.publishProgress(run, d, depth, len(level), breadth)
		}
		if cancel != nil {
			cancel()
		}

		if levelCtx.Err() != nil && ctx.Err() == nil {
			run.stopReason = StopWallClock
			o.publishStatus(run.id, StatusWaiting, "wall clock budget for this depth level exceeded, stopping expansion", nil)
			break
		}
		if ctx.Err() != nil {
			return o.cancelled(run)
		}

		if o.cfg.MaxTokenBudget > 0 && run.approxTokensUsed >= o.cfg.MaxTokenBudget {
			run.stopReason = StopTokenBudget
			o.publishStatus(run.id, StatusWaiting, "token budget reached, stopping expansion", nil)
			break
		}

		if d == depth {
			run.stopReason = StopMaxDepth
		}

		frontier = nextFrontier(candidates, breadth)
	}
	return nil
}

// followUpCandidate is a prospective next-depth query backed by the
// number of distinct sources the learning that proposed it cited.
type followUpCandidate struct {
	text        string
	sourceCount int
	order       int
}

func (o *Orchestrator) runQuery(ctx context.Context, run *runState, q Query) []followUpCandidate {
	o.publishThought(run.id, ThoughtSearching, "searching: "+q.Text())

	hits := o.fetchFreshHits(ctx, run, q)
	if len(hits) == 0 {
		run.completedQueries++
		o.publishThought(run.id, ThoughtWarning, "no fresh results for query: "+q.Text())
		return nil
	}

	o.publishThought(run.id, ThoughtExtracting, "extracting learnings for: "+q.Text())

	learnings, err := extractLearnings(ctx, o.completer, q, hits, extractionCharBudget)
	run.approxTokensUsed += extractionCharBudget / 4
	if err != nil {
		run.completedQueries++
		o.publishThought(run.id, ThoughtWarning, "extraction failed for query: "+q.Text())
		return nil
	}

	var candidates []followUpCandidate
	for _, l := range learnings {
		key := normalizeLearningText(l.Text)
		if run.learned[key] {
			continue
		}
		run.learned[key] = true
		run.learnings = append(run.learnings, l)

		distinctSources := 0
		for _, su := range l.SourceURLs {
			urlKey := normalizeURLKey(su)
			if _, ok := run.sources[urlKey]; !ok {
				run.sources[urlKey] = su
				run.sourceOrder = append(run.sourceOrder, su)
			}
			distinctSources++
		}

		for _, fu := range l.FollowUps {
			candidates = append(candidates, followUpCandidate{text: fu, sourceCount: distinctSources, order: len(candidates)})
		}
	}

	run.completedQueries++
	return candidates
}

// fetchFreshHits tries each variation of q in order until one returns
// hits, deduplicates against the run's global source set, and caps the
// result at maxFreshHitsPerQuery.
func (o *Orchestrator) fetchFreshHits(ctx context.Context, run *runState, q Query) []Hit {
	variations := q.Variations
	if len(variations) > maxVariationAttempts {
		variations = variations[:maxVariationAttempts]
	}

	for _, variant := range variations {
		results, err := o.search.Search(ctx, variant, search.Options{})
		if err != nil {
			if apperr.Is(err, apperr.KindRateExhausted) {
				o.publishStatus(run.id, StatusWaiting, "search rate limit exhausted, skipping variation", nil)
			}
			continue
		}

		var fresh []Hit
		for _, r := range results {
			key := normalizeURLKey(r.URL)
			if _, seen := run.sources[key]; seen {
				continue
			}
			fresh = append(fresh, Hit{Title: r.Title, URL: r.URL, Snippet: r.Snippet})
			if len(fresh) >= maxFreshHitsPerQuery {
				break
			}
		}
		if len(fresh) > 0 {
			return fresh
		}
	}
	return nil
}

// nextFrontier picks up to breadth follow-up queries, preferring the
// highest distinct-source count; ties fall back to insertion order.
func nextFrontier(candidates []followUpCandidate, breadth int) []Query {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].sourceCount != candidates[j].sourceCount {
			return candidates[i].sourceCount > candidates[j].sourceCount
		}
		return candidates[i].order < candidates[j].order
	})

	seen := make(map[string]bool)
	var frontier []Query
	for _, c := range candidates {
		key := normalizeLearningText(c.text)
		if seen[key] {
			continue
		}
		seen[key] = true
		frontier = append(frontier, Query{Variations: []string{c.text}})
		if len(frontier) >= breadth {
			break
		}
	}
	return frontier
}

func (o *Orchestrator) finish(ctx context.Context, run *runState) (*Result, error) {
	o.publishThought(run.id, ThoughtSummarizing, "synthesizing summary")

	summary, err := synthesizeSummary(ctx, o.completer, run.topic, run.learnings)
	if err != nil {
		summary = ""
		o.publishThought(run.id, ThoughtWarning, "summary synthesis failed")
	}

	var summaryHTML string
	if summary != "" {
		if rendered, err := renderSummaryHTML(run.topic, summary); err != nil {
			o.publishThought(run.id, ThoughtWarning, "summary HTML rendering failed")
		} else {
			summaryHTML = rendered
		}
	}

	result := &Result{
		RunID:             run.id,
		Topic:             run.topic,
		Learnings:         run.learnings,
		Sources:           run.sourceOrder,
		Summary:           summary,
		SummaryHTML:       summaryHTML,
		SuggestedFilename: suggestedFilename(run.topic, time.Now()),
		Success:           true,
		StopReason:        run.stopReason,
		Duration:          time.Since(run.started),
	}

	o.publishStatus(run.id, StatusCompleted, "research completed", map[string]any{
		"learning_count": len(result.Learnings),
		"source_count":   len(result.Sources),
	})

	return result, nil
}

func (o *Orchestrator) cancelled(run *runState) *Result {
	o.publishStatus(run.id, StatusCancelled, "research cancelled", nil)
	return &Result{
		RunID:      run.id,
		Topic:      run.topic,
		Learnings:  run.learnings,
		Sources:    run.sourceOrder,
		Success:    false,
		Error:      StopCancelled,
		StopReason: StopCancelled,
		Duration:   time.Since(run.started),
	}
}

func (o *Orchestrator) publishStatus(runID, stage, message string, meta map[string]any) {
	o.bus.Publish(events.Event{Source: events.SourceResearch, Kind: events.KindStatus, RunID: runID, Data: map[string]any{
		"stage": stage, "message": message, "meta": meta,
	}})
}

func (o *Orchestrator) publishThought(runID, stage, text string) {
	o.bus.Publish(events.Event{Source: events.SourceResearch, Kind: events.KindThought, RunID: runID, Data: map[string]any{
		"stage": stage, "text": text,
	}})
}

func (o *Orchestrator) publishProgress(run *runState, currentDepth, totalDepth, currentBreadth, totalBreadth int) {
	percent := 0.0
	if run.totalQueries > 0 {
		percent = math.Round(float64(run.completedQueries) / float64(run.totalQueries) * 100)
	}
	o.bus.Publish(events.Event{Source: events.SourceResearch, Kind: events.KindProgress, RunID: run.id, Data: map[string]any{
		"current_depth":     currentDepth,
		"total_depth":       totalDepth,
		"current_breadth":   currentBreadth,
		"total_breadth":     totalBreadth,
		"total_queries":     run.totalQueries,
		"completed_queries": run.completedQueries,
		"percent":           percent,
	}})
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
