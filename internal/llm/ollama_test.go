package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deepquery/deepquery/internal/apperr"
)

func TestOllamaChatNoBaseURL(t *testing.T) {
	c := NewOllamaClient("", nil)
	_, err := c.Chat(context.Background(), "llama3", []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if !apperr.Is(err, apperr.KindCredentialMissing) {
		t.Fatalf("expected credential_missing error, got %v", err)
	}
}

func TestOllamaChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		resp := ollamaWireResponse{
			Model:           req.Model,
			Message:         Message{Role: "assistant", Content: "hello there"},
			Done:            true,
			PromptEvalCount: 3,
			EvalCount:       2,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "llama3", []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "hello there" {
		t.Errorf("unexpected content: %q", resp.Message.Content)
	}
	if resp.InputTokens != 3 || resp.OutputTokens != 2 {
		t.Errorf("unexpected token counts: %+v", resp)
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		chunks := []ollamaWireResponse{
			{Model: "llama3", Message: Message{Role: "assistant", Content: "Hel"}},
			{Model: "llama3", Message: Message{Role: "assistant", Content: "lo"}},
			{Model: "llama3", Done: true, EvalCount: 2},
		}
		enc := json.NewEncoder(w)
		for _, c := range chunks {
			enc.Encode(c)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var tokens []string
	resp, err := c.ChatStream(context.Background(), "llama3", []Message{{Role: "user", Content: "hi"}}, ChatOptions{}, func(ev StreamEvent) {
		tokens = append(tokens, ev.Token)
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("unexpected assembled content: %q", resp.Message.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("expected 2 streamed tokens, got %d", len(tokens))
	}
}

func TestOllamaClassifiesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	_, err := c.Chat(context.Background(), "llama3", []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	if !apperr.Is(err, apperr.KindRateLimited) {
		t.Fatalf("expected rate_limited error, got %v", err)
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3"}, {"name": "mistral"}},
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "llama3" || names[1] != "mistral" {
		t.Errorf("unexpected models: %v", names)
	}
}
