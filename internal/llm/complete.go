package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/deepquery/deepquery/internal/apperr"
	"github.com/deepquery/deepquery/internal/persona"
)

// jsonOnlyRetryPrompt is appended as a follow-up user turn when a
// structured response fails to parse on the first attempt.
const jsonOnlyRetryPrompt = "Your previous reply could not be parsed. " +
	"Respond with JSON only, matching the requested shape. No prose, no markdown fences."

// CompleteRequest is the single-shot completion contract shared by the
// research orchestrator, the chat loop, and memory enrichment. None of
// these callers drive a tool-calling loop — every LLM call in deepquery
// is one request in, one response out.
type CompleteRequest struct {
	System      string
	User        string
	Temperature *float64
	MaxTokens   int
	Character   string
	Structured  *StructuredRequest
}

// StructuredRequest asks Complete to extract a JSON object from the
// model's reply and decode it into Target. Target must be a pointer to
// a struct; fields tagged `required:"true"` must be present and
// non-zero in the decoded object or the call fails with ParseError
// after one "JSON only" retry.
type StructuredRequest struct {
	Target any
}

// CompleteResponse is returned by Complete. Parsed is set only when
// the request carried a Structured spec, and aliases Structured.Target.
type CompleteResponse struct {
	Content string
	Parsed  any
}

// Completer resolves a Character to a persona system prompt, shapes
// the message list, and optionally enforces a structured JSON reply.
type Completer struct {
	client  Client
	model   string
	catalog *persona.Catalog
	logger  *slog.Logger
}

// NewCompleter builds a Completer around an LLM Client and the fixed
// persona catalog.
func NewCompleter(client Client, model string, catalog *persona.Catalog, logger *slog.Logger) *Completer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Completer{client: client, model: model, catalog: catalog, logger: logger.With("component", "llm.complete")}
}

// Complete issues a single completion request.
func (c *Completer) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	system := req.System
	if req.Character != "" {
		p, ok := c.catalog.Get(req.Character)
		if !ok {
			return nil, apperr.New(apperr.KindPersonaUnknown, "llm.complete", "unknown persona: "+req.Character)
		}
		if system == "" {
			system = p.SystemPrompt
		} else {
			system = p.SystemPrompt + "\n\n" + system
		}
	}

	messages := buildMessages(system, req.User)
	opts := ChatOptions{Temperature: req.Temperature, MaxTokens: req.MaxTokens}

	resp, err := c.client.Chat(ctx, c.model, messages, opts)
	if err != nil {
		return nil, err
	}

	out := &CompleteResponse{Content: resp.Message.Content}
	if req.Structured == nil {
		return out, nil
	}

	if err := decodeStructured(resp.Message.Content, req.Structured.Target); err != nil {
		c.logger.Debug("structured decode failed, retrying with JSON-only prompt", "err", err)

		retryMessages := append(append([]Message{}, messages...),
			Message{Role: "assistant", Content: resp.Message.Content},
			Message{Role: "user", Content: jsonOnlyRetryPrompt},
		)

		resp2, err2 := c.client.Chat(ctx, c.model, retryMessages, opts)
		if err2 != nil {
			return nil, err2
		}
		if err := decodeStructured(resp2.Message.Content, req.Structured.Target); err != nil {
			return nil, apperr.Wrap(apperr.KindParse, "llm.complete", "structured output did not parse after retry", err)
		}
		out.Content = resp2.Message.Content
	}

	out.Parsed = req.Structured.Target
	return out, nil
}

func buildMessages(system, user string) []Message {
	var messages []Message
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})
	return messages
}

// decodeStructured extracts the first top-level JSON object from raw,
// unmarshals it into target, and verifies every field tagged
// `required:"true"` is present and non-zero.
func decodeStructured(raw string, target any) error {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), target); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return checkRequired(target)
}

// extractJSONObject scans s for the first balanced {...} span, honoring
// string literals and escapes, and returns it verbatim.
func extractJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unbalanced JSON object in response")
}

func checkRequired(target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.Tag.Get("required") != "true" {
			continue
		}
		fv := v.Field(i)
		if fv.IsZero() {
			name := field.Tag.Get("json")
			if name == "" {
				name = field.Name
			}
			return fmt.Errorf("required field %q missing from response", name)
		}
	}
	return nil
}
