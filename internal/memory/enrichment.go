package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/deepquery/deepquery/internal/llm"
)

// enrichmentResult is the structured response an enrichment call asks
// the LLM to produce for a piece of memory content: arbitrary
// {tags, metadata, source} enrichment rather than a fixed fact schema.
type enrichmentResult struct {
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`
	Source   string            `json:"source"`
}

// enricher calls the LLM to propose tags/metadata/source for memory
// content. It is fully best-effort: failures are logged and degrade to
// an empty enrichment, never fail the caller's store.
type enricher struct {
	completer *llm.Completer
	model     string
	logger    *slog.Logger
}

func newEnricher(completer *llm.Completer, logger *slog.Logger) *enricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &enricher{completer: completer, logger: logger.With("component", "memory.enrich")}
}

// enrich returns tags/metadata/source for content. On any failure it
// returns a zero-value result and logs at Debug — callers merge the
// zero value without special-casing errors.
func (e *enricher) enrich(ctx context.Context, content string) enrichmentResult {
	if e == nil || e.completer == nil {
		return enrichmentResult{}
	}

	target := &enrichmentResult{}
	_, err := e.completer.Complete(ctx, llm.CompleteRequest{
		System: "Given a piece of text, propose short lowercase tags that " +
			"categorize it, any useful key-value metadata, and a source label " +
			"if one is evident from the text. If nothing useful applies, return " +
			"empty tags and metadata.",
		User:       content,
		Structured: &llm.StructuredRequest{Target: target},
	})
	if err != nil {
		e.logger.Debug("enrichment call failed, storing without enrichment", "err", err)
		return enrichmentResult{}
	}

	return enrichmentResult{
		Tags:     normalizeTags(target.Tags),
		Metadata: target.Metadata,
		Source:   strings.TrimSpace(target.Source),
	}
}
