package research

import (
	"net/url"
	"strings"
)

// normalizeURLKey returns a comparison key for deduplicating hits and
// sources: scheme+host compared case-insensitively, path compared
// case-sensitively, fragment stripped. Malformed URLs fall back to the
// raw string so they are still deduplicated against exact repeats.
func normalizeURLKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path
}

// normalizeLearningText returns a comparison key for deduplicating
// learnings: lowercase, collapsed whitespace, trailing punctuation
// stripped.
func normalizeLearningText(text string) string {
	lower := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(lower, ".,;:!?")
}
