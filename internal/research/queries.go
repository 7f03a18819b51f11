package research

import (
	"context"
	"fmt"

	"github.com/deepquery/deepquery/internal/llm"
)

// generatedQuery is one entry of the LLM's query-set response: a
// logical query need with up to three alternate phrasings to try in
// order during the fetch step.
type generatedQuery struct {
	Variations []string `json:"variations"`
}

type queriesResult struct {
	Queries []generatedQuery `json:"queries" required:"true"`
}

// GenerateQueries asks the LLM for up to count diverse, specific search
// queries that advance topic, each carrying up to three alternate
// phrasings. Factored out of the orchestrator loop so it is unit
// testable on its own, keeping prompt construction separate from the
// run loop that drives it.
func GenerateQueries(ctx context.Context, completer *llm.Completer, topic string, count int) ([]Query, error) {
	target := &queriesResult{}
	_, err := completer.Complete(ctx, llm.CompleteRequest{
		System: "You generate web search queries for a research assistant. " +
			"Produce diverse, specific search queries that advance the given " +
			"topic. For each query, provide up to three alternate phrasings " +
			"to try if the first returns no results. Respond as JSON: " +
			`{"queries": [{"variations": ["phrasing one", "phrasing two"]}]}.`,
		User:       fmt.Sprintf("Topic: %s\nGenerate up to %d queries.", topic, count),
		Structured: &llm.StructuredRequest{Target: target},
	})
	if err != nil {
		return nil, err
	}

	queries := make([]Query, 0, len(target.Queries))
	for _, gq := range target.Queries {
		if len(gq.Variations) == 0 {
			continue
		}
		queries = append(queries, Query{Variations: gq.Variations})
		if len(queries) >= count {
			break
		}
	}
	return queries, nil
}
