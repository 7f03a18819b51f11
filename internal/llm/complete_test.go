package llm

import (
	"context"
	"testing"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/persona"
)

type scriptedClient struct {
	replies []string
	calls   int
	lastMsg []Message
}

func (s *scriptedClient) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	s.lastMsg = messages
	idx := s.calls
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.calls++
	return &ChatResponse{Message: Message{Role: "assistant", Content: s.replies[idx]}, Done: true}, nil
}

func (s *scriptedClient) ChatStream(ctx context.Context, model string, messages []Message, opts ChatOptions, cb StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, messages, opts)
}

func (s *scriptedClient) Ping(ctx context.Context) error { return nil }

func TestCompleteBasic(t *testing.T) {
	client := &scriptedClient{replies: []string{"hello"}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	resp, err := c.Complete(context.Background(), CompleteRequest{User: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
}

func TestCompleteUnknownPersona(t *testing.T) {
	client := &scriptedClient{replies: []string{"hello"}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	_, err := c.Complete(context.Background(), CompleteRequest{User: "hi", Character: "nonexistent"})
	if !apperr.Is(err, apperr.KindPersonaUnknown) {
		t.Fatalf("expected persona_unknown error, got %v", err)
	}
}

func TestCompletePersonaPrependsSystemPrompt(t *testing.T) {
	client := &scriptedClient{replies: []string{"ok"}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	_, err := c.Complete(context.Background(), CompleteRequest{User: "hi", Character: "analyst"})
	if err != nil {
		t.Fatal(err)
	}
	if len(client.lastMsg) == 0 || client.lastMsg[0].Role != "system" {
		t.Fatalf("expected leading system message, got %+v", client.lastMsg)
	}
}

type structuredTarget struct {
	Name  string `json:"name" required:"true"`
	Count int    `json:"count"`
}

func TestCompleteStructuredSucceedsFirstTry(t *testing.T) {
	client := &scriptedClient{replies: []string{`Here you go: {"name": "alpha", "count": 3}`}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	target := &structuredTarget{}
	resp, err := c.Complete(context.Background(), CompleteRequest{
		User:       "give me structured output",
		Structured: &StructuredRequest{Target: target},
	})
	if err != nil {
		t.Fatal(err)
	}
	if target.Name != "alpha" || target.Count != 3 {
		t.Errorf("unexpected decode: %+v", target)
	}
	if resp.Parsed != target {
		t.Error("expected Parsed to alias Target")
	}
}

func TestCompleteStructuredRetriesOnParseFailure(t *testing.T) {
	client := &scriptedClient{replies: []string{
		"sorry, I can't produce JSON for that",
		`{"name": "beta", "count": 1}`,
	}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	target := &structuredTarget{}
	_, err := c.Complete(context.Background(), CompleteRequest{
		User:       "give me structured output",
		Structured: &StructuredRequest{Target: target},
	})
	if err != nil {
		t.Fatal(err)
	}
	if target.Name != "beta" {
		t.Errorf("expected retry result decoded, got %+v", target)
	}
	if client.calls != 2 {
		t.Errorf("expected 2 calls (initial + retry), got %d", client.calls)
	}
}

func TestCompleteStructuredFailsAfterRetryExhausted(t *testing.T) {
	client := &scriptedClient{replies: []string{"no json here", "still no json"}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	target := &structuredTarget{}
	_, err := c.Complete(context.Background(), CompleteRequest{
		User:       "give me structured output",
		Structured: &StructuredRequest{Target: target},
	})
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("expected parse_error, got %v", err)
	}
}

func TestCompleteStructuredMissingRequiredField(t *testing.T) {
	client := &scriptedClient{replies: []string{`{"count": 5}`, `{"count": 5}`}}
	c := NewCompleter(client, "model-x", persona.NewCatalog(), nil)

	target := &structuredTarget{}
	_, err := c.Complete(context.Background(), CompleteRequest{
		User:       "give me structured output",
		Structured: &StructuredRequest{Target: target},
	})
	if !apperr.Is(err, apperr.KindParse) {
		t.Fatalf("expected parse_error for missing required field, got %v", err)
	}
}

func TestExtractJSONObjectIgnoresBracesInStrings(t *testing.T) {
	raw := `prose { "a": "value with } inside" } trailing`
	obj, err := extractJSONObject(raw)
	if err != nil {
		t.Fatal(err)
	}
	if obj != `{ "a": "value with } inside" }` {
		t.Errorf("unexpected extraction: %q", obj)
	}
}

func TestExtractJSONObjectNoBraces(t *testing.T) {
	_, err := extractJSONObject("no object here")
	if err == nil {
		t.Fatal("expected error")
	}
}
