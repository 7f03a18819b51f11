package llm

import "context"

// ChatOptions carries the per-call generation parameters a caller may
// override. The zero value means "use the provider's default" for
// every field.
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
}

// Client is the interface that all LLM providers must implement.
// Implementations return *apperr.Error classified as one of
// CredentialMissing, RateLimited, ProviderError, ParseError, or
// Timeout so callers never need to inspect provider-specific errors.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, opts ChatOptions) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is
	// non-nil, tokens are streamed to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, opts ChatOptions, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
