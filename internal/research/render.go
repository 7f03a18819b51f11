package research

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
)

// renderSummaryHTML renders a run's Markdown summary to a minimal,
// self-contained HTML document, suitable for the `download_file`
// session frame and for saving a run's output outside a terminal.
func renderSummaryHTML(topic, markdown string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48rem; margin: 2rem auto;">
%s
</body></html>`, topic, buf.String()), nil
}
