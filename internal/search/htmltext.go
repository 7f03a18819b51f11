package search

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// stripHighlightTags removes the <strong>/<em> highlight markup that
// search APIs (Brave in particular) embed in result snippets to mark
// matched query terms, leaving plain text for the LLM extraction
// prompt. It tokenizes rather than building a DOM tree since snippets
// are text fragments, not full documents.
func stripHighlightTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}

	tokenizer := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if tokenizer.Err() != io.EOF {
				return s
			}
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.WriteString(tokenizer.Token().Data)
			b.WriteString(" ")
		}
	}
}
