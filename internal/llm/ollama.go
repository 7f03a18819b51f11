package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/config"
	"github.com/deepquery/deepquery/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Large local models can take significant time before sending headers
	// (loading, thinking). Override the default 15s ResponseHeaderTimeout.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute

	return &OllamaClient{
		baseURL: baseURL,
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithTransport(t),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// ollamaRequest is the request format for Ollama's chat API.
type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaWireResponse is the raw JSON response from Ollama's /api/chat endpoint.
type ollamaWireResponse struct {
	Model              string  `json:"model"`
	CreatedAt          string  `json:"created_at"`
	Message            Message `json:"message"`
	Done               bool    `json:"done"`
	TotalDuration      int64   `json:"total_duration,omitempty"`
	LoadDuration       int64   `json:"load_duration,omitempty"`
	PromptEvalCount    int     `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64   `json:"prompt_eval_duration,omitempty"`
	EvalCount          int     `json:"eval_count,omitempty"`
	EvalDuration       int64   `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	createdAt, _ := time.Parse(time.RFC3339Nano, w.CreatedAt)
	return &ChatResponse{
		Model:         w.Model,
		CreatedAt:     createdAt,
		Message:       w.Message,
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
}

// Chat sends a chat completion request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, opts, nil)
}

// ChatStream sends a streaming chat request to Ollama. If callback is
// non-nil, tokens are streamed to it.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, opts ChatOptions, callback StreamCallback) (*ChatResponse, error) {
	if c.baseURL == "" {
		return nil, apperr.New(apperr.KindCredentialMissing, "llm.ollama", "no base URL configured")
	}

	stream := callback != nil
	c.logger.Debug("preparing request", "model", model, "messages", len(messages), "stream", stream)

	var ollamaOpts *ollamaOptions
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		ollamaOpts = &ollamaOptions{}
		if opts.Temperature != nil {
			ollamaOpts.Temperature = *opts.Temperature
		}
		if opts.MaxTokens > 0 {
			ollamaOpts.NumPredict = opts.MaxTokens
		}
	}

	req := ollamaRequest{Model: model, Messages: messages, Stream: stream, Options: ollamaOpts}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "llm.ollama", "marshal request", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "llm.ollama", "create request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(apperr.KindTimeout, "llm.ollama", "request timed out", err)
		}
		return nil, apperr.Wrap(apperr.KindProvider, "llm.ollama", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, classifyLLMStatus("llm.ollama", resp.StatusCode, errBody)
	}

	if !stream {
		var wire ollamaWireResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "llm.ollama", "decode response", err)
		}
		chatResp := wire.toChatResponse()
		c.logger.Debug("response received",
			"model", chatResp.Model,
			"input_tokens", chatResp.InputTokens,
			"output_tokens", chatResp.OutputTokens,
			"total_duration", chatResp.TotalDuration,
		)
		c.logger.Log(ctx, config.LevelTrace, "response content", "content", chatResp.Message.Content)
		return chatResp, nil
	}

	var finalResp *ChatResponse
	var contentBuilder strings.Builder
	decoder := json.NewDecoder(resp.Body)

	for {
		var wire ollamaWireResponse
		if err := decoder.Decode(&wire); err != nil {
			if err == io.EOF {
				break
			}
			return nil, apperr.Wrap(apperr.KindProvider, "llm.ollama", "decode stream chunk", err)
		}

		if wire.Message.Content != "" {
			contentBuilder.WriteString(wire.Message.Content)
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: wire.Message.Content})
			}
		}

		if wire.Done {
			finalResp = wire.toChatResponse()
			finalResp.Message.Content = contentBuilder.String()
			break
		}
	}

	if finalResp == nil {
		c.logger.Debug("stream ended without done marker, synthesizing response")
		finalResp = &ChatResponse{Model: model, Done: true}
		finalResp.Message.Content = contentBuilder.String()
	}

	c.logger.Debug("stream complete",
		"model", finalResp.Model,
		"input_tokens", finalResp.InputTokens,
		"output_tokens", finalResp.OutputTokens,
		"content_len", len(finalResp.Message.Content),
	)
	c.logger.Log(ctx, config.LevelTrace, "stream final content", "content", finalResp.Message.Content)

	return finalResp, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return apperr.New(apperr.KindCredentialMissing, "llm.ollama", "no base URL configured")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "llm.ollama", "create request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, "llm.ollama", "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		return classifyLLMStatus("llm.ollama", resp.StatusCode, body)
	}
	return nil
}

// ListModels returns the models available on the Ollama instance.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "llm.ollama", "create request", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindProvider, "llm.ollama", "request failed", err)
	}
	defer resp.Body.Close()

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "llm.ollama", "decode response", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
