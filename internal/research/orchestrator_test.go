package research

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/config"
	"github.com/deepquery/deepquery/internal/events"
	"github.com/deepquery/deepquery/internal/llm"
	"github.com/deepquery/deepquery/internal/persona"
	"github.com/deepquery/deepquery/internal/search"
)

// fakeProvider is a search.Provider backed by a fixed results table
// keyed by query text, with an optional per-call hook for simulating
// rate limiting.
type fakeProvider struct {
	mu      sync.Mutex
	results map[string][]search.Result
	calls   map[string]int
	fail    func(query string, call int) error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{results: make(map[string][]search.Result), calls: make(map[string]int)}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	p.mu.Lock()
	p.calls[query]++
	call := p.calls[query]
	p.mu.Unlock()

	if p.fail != nil {
		if err := p.fail(query, call); err != nil {
			return nil, err
		}
	}
	return p.results[query], nil
}

// fakeCompleterClient is an llm.Client that routes each Chat call based
// on the system prompt, driving the three structured/plain shapes the
// orchestrator depends on (query generation, extraction, summary).
type fakeCompleterClient struct {
	queriesJSON  string
	learningsJSON func(query string) string
	summary      string
}

func (c *fakeCompleterClient) Chat(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	var system, user string
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			if user == "" {
				user = m.Content
			}
		}
	}

	switch {
	case strings.Contains(system, "generate web search queries"):
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: c.queriesJSON}}, nil
	case strings.Contains(system, "extract factual learnings"):
		query := queryFromUserTurn(user)
		content := c.learningsJSON(query)
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: content}}, nil
	case strings.Contains(system, "Markdown research summary"):
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: c.summary}}, nil
	default:
		return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: "{}"}}, nil
	}
}

func (c *fakeCompleterClient) ChatStream(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.Chat(ctx, model, messages, opts)
}

func (c *fakeCompleterClient) Ping(ctx context.Context) error { return nil }

// queryFromUserTurn extracts the "Query: ..." line the extraction
// prompt embeds, so the fake client can return learnings tied to the
// query actually being extracted.
func queryFromUserTurn(user string) string {
	for _, line := range strings.Split(user, "\n") {
		if strings.HasPrefix(line, "Query: ") {
			return strings.TrimPrefix(line, "Query: ")
		}
	}
	return ""
}

func newTestOrchestrator(t *testing.T, provider *fakeProvider, client llm.Client, bus *events.Bus, cfg config.ResearchConfig) *Orchestrator {
	t.Helper()
	mgr := search.NewManager("fake", 0)
	mgr.Register(provider)
	completer := llm.NewCompleter(client, "test-model", persona.NewCatalog(), nil)
	return NewOrchestrator(mgr, completer, bus, cfg, nil)
}

func TestStartHappyPathProducesSummaryAndFilename(t *testing.T) {
	provider := newFakeProvider()
	provider.results["quantum computing basics"] = []search.Result{
		{Title: "Intro", URL: "https://example.com/a", Snippet: "an introduction"},
	}
	provider.results["quantum computing applications"] = []search.Result{
		{Title: "Uses", URL: "https://example.com/b", Snippet: "some applications"},
	}

	client := &fakeCompleterClient{
		queriesJSON: `{"queries": [
			{"variations": ["quantum computing basics"]},
			{"variations": ["quantum computing applications"]}
		]}`,
		learningsJSON: func(query string) string {
			url := provider.results[query][0].URL
			return fmt.Sprintf(`{"learnings": [{"text": "fact about %s", "followUps": [], "sourceUrls": ["%s"]}]}`, query, url)
		},
		summary: "# Quantum Computing\n\nA synthesized summary.",
	}

	o := newTestOrchestrator(t, provider, client, nil, config.ResearchConfig{})

	result, err := o.Start(context.Background(), StartRequest{Topic: "quantum computing", Depth: 1, Breadth: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Summary != client.summary {
		t.Fatalf("summary = %q", result.Summary)
	}
	if len(result.Learnings) != 2 {
		t.Fatalf("learnings = %d, want 2", len(result.Learnings))
	}
	if len(result.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(result.Sources))
	}

	want := regexp.MustCompile(`^quantum-computing-\d{4}-\d{2}-\d{2}\.md$`)
	if !want.MatchString(result.SuggestedFilename) {
		t.Fatalf("SuggestedFilename = %q, does not match %s", result.SuggestedFilename, want.String())
	}
}

func TestStartUsesProvidedRunID(t *testing.T) {
	provider := newFakeProvider()
	provider.results["q"] = []search.Result{{Title: "t", URL: "https://example.com/x", Snippet: "s"}}
	client := &fakeCompleterClient{
		queriesJSON: `{"queries": [{"variations": ["q"]}]}`,
		learningsJSON: func(query string) string {
			return `{"learnings": [{"text": "fact", "followUps": [], "sourceUrls": ["https://example.com/x"]}]}`
		},
		summary: "summary",
	}
	o := newTestOrchestrator(t, provider, client, nil, config.ResearchConfig{})

	result, err := o.Start(context.Background(), StartRequest{Topic: "t", Depth: 1, Breadth: 1, RunID: "preassigned-run-id"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.RunID != "preassigned-run-id" {
		t.Fatalf("RunID = %q, want preassigned-run-id", result.RunID)
	}
}

func TestStartRejectsEmptyTopic(t *testing.T) {
	provider := newFakeProvider()
	client := &fakeCompleterClient{}
	o := newTestOrchestrator(t, provider, client, nil, config.ResearchConfig{})

	_, err := o.Start(context.Background(), StartRequest{Topic: ""})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestStartFailsWithoutSearchProvider(t *testing.T) {
	completer := llm.NewCompleter(&fakeCompleterClient{}, "test-model", persona.NewCatalog(), nil)
	mgr := search.NewManager("fake", 0) // no providers registered
	o := NewOrchestrator(mgr, completer, nil, config.ResearchConfig{}, nil)

	_, err := o.Start(context.Background(), StartRequest{Topic: "anything"})
	if !apperr.Is(err, apperr.KindCredentialMissing) {
		t.Fatalf("expected KindCredentialMissing, got %v", err)
	}
}

// TestRateLimitExhaustedVariationIsSkipped verifies that a query whose
// every variation returns a rate-limit-exhausted error is treated as
// having no fresh hits rather than failing the whole run.
func TestRateLimitExhaustedVariationIsSkipped(t *testing.T) {
	provider := newFakeProvider()
	provider.results["good query"] = []search.Result{{Title: "t", URL: "https://example.com/y", Snippet: "s"}}
	provider.fail = func(query string, call int) error {
		if query == "rate limited query" {
			return apperr.New(apperr.KindRateExhausted, "fake", "rate limit retries exhausted")
		}
		return nil
	}

	client := &fakeCompleterClient{
		queriesJSON: `{"queries": [
			{"variations": ["rate limited query"]},
			{"variations": ["good query"]}
		]}`,
		learningsJSON: func(query string) string {
			return `{"learnings": [{"text": "fact from good query", "followUps": [], "sourceUrls": ["https://example.com/y"]}]}`
		},
		summary: "summary",
	}

	o := newTestOrchestrator(t, provider, client, nil, config.ResearchConfig{})
	result, err := o.Start(context.Background(), StartRequest{Topic: "t", Depth: 1, Breadth: 2})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected run to succeed despite one rate-limited query, got %+v", result)
	}
	if len(result.Learnings) != 1 {
		t.Fatalf("learnings = %d, want 1 (only from the non-rate-limited query)", len(result.Learnings))
	}
}

func TestStartReturnsCancelledResultWhenContextCancelledBeforeRun(t *testing.T) {
	provider := newFakeProvider()
	provider.results["q"] = []search.Result{{Title: "t", URL: "https://example.com/z", Snippet: "s"}}
	client := &fakeCompleterClient{
		queriesJSON: `{"queries": [{"variations": ["q"]}]}`,
		learningsJSON: func(query string) string {
			return `{"learnings": [{"text": "fact", "followUps": [], "sourceUrls": ["https://example.com/z"]}]}`
		},
		summary: "summary",
	}
	o := newTestOrchestrator(t, provider, client, nil, config.ResearchConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Start(ctx, StartRequest{Topic: "t", Depth: 2, Breadth: 1})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Success {
		t.Fatalf("expected a cancelled result, got success=%v", result.Success)
	}
	if result.StopReason != StopCancelled {
		t.Fatalf("StopReason = %q, want %q", result.StopReason, StopCancelled)
	}
}

func TestStartPublishesTelemetryUnderRunID(t *testing.T) {
	provider := newFakeProvider()
	provider.results["q"] = []search.Result{{Title: "t", URL: "https://example.com/w", Snippet: "s"}}
	client := &fakeCompleterClient{
		queriesJSON: `{"queries": [{"variations": ["q"]}]}`,
		learningsJSON: func(query string) string {
			return `{"learnings": [{"text": "fact", "followUps": [], "sourceUrls": ["https://example.com/w"]}]}`
		},
		summary: "summary",
	}
	bus := events.New()
	sub := bus.Subscribe(32)
	defer bus.Unsubscribe(sub)

	o := newTestOrchestrator(t, provider, client, bus, config.ResearchConfig{})
	result, err := o.Start(context.Background(), StartRequest{Topic: "t", Depth: 1, Breadth: 1, RunID: "run-xyz"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	sawCompleted := false
	for {
		select {
		case ev := <-sub:
			if ev.RunID != result.RunID {
				t.Fatalf("event carried RunID %q, want %q", ev.RunID, result.RunID)
			}
			if ev.Kind == events.KindStatus {
				if data, ok := ev.Data.(map[string]any); ok && data["stage"] == StatusCompleted {
					sawCompleted = true
				}
			}
		case <-time.After(100 * time.Millisecond):
			if !sawCompleted {
				t.Fatalf("never observed a %q status event", StatusCompleted)
			}
			return
		}
	}
}
