package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/deepquery/deepquery/internal/llm"
	"github.com/deepquery/deepquery/internal/persona"
)

type fakeLLMClient struct {
	reply string
	err   error
}

func (f *fakeLLMClient) Chat(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: f.reply}, Done: true}, nil
}

func (f *fakeLLMClient) ChatStream(ctx context.Context, model string, messages []llm.Message, opts llm.ChatOptions, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, opts)
}

func (f *fakeLLMClient) Ping(ctx context.Context) error { return nil }

func TestEnrichSucceeds(t *testing.T) {
	client := &fakeLLMClient{reply: `{"tags":["Go","backend"],"metadata":{"lang":"go"},"source":"chat"}`}
	completer := llm.NewCompleter(client, "model-x", persona.NewCatalog(), nil)
	e := newEnricher(completer, nil)

	result := e.enrich(context.Background(), "some go backend note")

	if len(result.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", result.Tags)
	}
	if result.Metadata["lang"] != "go" {
		t.Errorf("expected metadata lang=go, got %v", result.Metadata)
	}
	if result.Source != "chat" {
		t.Errorf("expected source chat, got %q", result.Source)
	}
}

func TestEnrichDegradesOnFailure(t *testing.T) {
	client := &fakeLLMClient{err: errors.New("provider down")}
	completer := llm.NewCompleter(client, "model-x", persona.NewCatalog(), nil)
	e := newEnricher(completer, nil)

	result := e.enrich(context.Background(), "anything")

	if result.Tags != nil || result.Metadata != nil || result.Source != "" {
		t.Errorf("expected zero-value result on failure, got %+v", result)
	}
}

func TestEnrichNilEnricherIsSafe(t *testing.T) {
	var e *enricher
	result := e.enrich(context.Background(), "anything")
	if result.Tags != nil {
		t.Errorf("expected zero-value result from nil enricher, got %+v", result)
	}
}
