package research

import (
	"strings"
	"testing"
)

func TestRenderSummaryHTML(t *testing.T) {
	html, err := renderSummaryHTML("Quantum Computing", "# Overview\n\nA **short** summary.\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(html, "<h1>Overview</h1>") {
		t.Errorf("expected rendered heading, got: %s", html)
	}
	if !strings.Contains(html, "<strong>short</strong>") {
		t.Errorf("expected rendered bold text, got: %s", html)
	}
	if !strings.Contains(html, "Quantum Computing") {
		t.Errorf("expected topic in document title, got: %s", html)
	}
}
