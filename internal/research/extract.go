package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepquery/deepquery/internal/llm"
)

type extractedLearning struct {
	Text       string   `json:"text"`
	FollowUps  []string `json:"followUps"`
	SourceURLs []string `json:"sourceUrls"`
}

type learningsResult struct {
	Learnings []extractedLearning `json:"learnings" required:"true"`
}

// extractLearnings asks the LLM to distill hits into learnings for
// query, truncating hit text to a rough token budget. Learnings whose
// sourceUrls are not a subset of the supplied hits are dropped — the
// model is not trusted to invent citations.
func extractLearnings(ctx context.Context, completer *llm.Completer, query Query, hits []Hit, maxChars int) ([]Learning, error) {
	hitURLs := make(map[string]bool, len(hits))
	var sb strings.Builder
	for _, h := range hits {
		hitURLs[h.URL] = true
		entry := fmt.Sprintf("- %s\n  %s\n  %s\n", h.Title, h.URL, h.Snippet)
		if sb.Len()+len(entry) > maxChars {
			break
		}
		sb.WriteString(entry)
	}

	target := &learningsResult{}
	_, err := completer.Complete(ctx, llm.CompleteRequest{
		System: "You extract factual learnings from search results for a research " +
			"assistant. Only state facts directly supported by the provided " +
			"results; every sourceUrl you cite must be one of the URLs given. " +
			"Suggest followUps: specific follow-up queries that would deepen " +
			"the research. Respond as JSON: " +
			`{"learnings": [{"text": "...", "followUps": ["..."], "sourceUrls": ["..."]}]}.`,
		User:       fmt.Sprintf("Query: %s\n\nResults:\n%s", query.Text(), sb.String()),
		Structured: &llm.StructuredRequest{Target: target},
	})
	if err != nil {
		return nil, err
	}

	learnings := make([]Learning, 0, len(target.Learnings))
	for _, el := range target.Learnings {
		if strings.TrimSpace(el.Text) == "" {
			continue
		}
		if !sourceURLsSubsetOf(el.SourceURLs, hitURLs) {
			continue
		}
		learnings = append(learnings, Learning{Text: el.Text, FollowUps: el.FollowUps, SourceURLs: el.SourceURLs})
	}
	return learnings, nil
}

func sourceURLsSubsetOf(urls []string, allowed map[string]bool) bool {
	for _, u := range urls {
		if !allowed[u] {
			return false
		}
	}
	return true
}
