package research

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/deepquery/deepquery/internal/llm"
)

// synthesizeSummary asks the LLM for a Markdown summary of the run's
// learnings. The system prompt forbids fabricated citations: the model
// is instructed to only cite sources present in the learnings list.
func synthesizeSummary(ctx context.Context, completer *llm.Completer, topic string, learnings []Learning) (string, error) {
	var sb strings.Builder
	for _, l := range learnings {
		fmt.Fprintf(&sb, "- %s (sources: %s)\n", l.Text, strings.Join(l.SourceURLs, ", "))
	}

	resp, err := completer.Complete(ctx, llm.CompleteRequest{
		System: "You write a Markdown research summary from a list of learnings, " +
			"each annotated with its source URLs. Organize the summary around " +
			"coherent themes, not a flat repetition of every learning. Never " +
			"cite a source that is not listed next to a learning. Never " +
			"fabricate a citation or claim something the learnings do not support.",
		User: fmt.Sprintf("Topic: %s\n\nLearnings:\n%s", topic, sb.String()),
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// suggestedFilename slugifies topic and appends an ISO date suffix,
// e.g. "quantum-computing-2026-07-29.md".
func suggestedFilename(topic string, now time.Time) string {
	return slugify(topic) + "-" + now.Format("2006-01-02") + ".md"
}

func slugify(s string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && sb.Len() > 0 {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(sb.String(), "-")
}
