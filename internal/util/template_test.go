package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("Write chapter {{.Chapter}} of {{.Title}}", map[string]interface{}{
		"Chapter": 3,
		"Title":   "The Lighthouse",
	})
	if err != nil {
		t.Fatalf("RenderTemplate failed: %v", err)
	}
	if out != "Write chapter 3 of The Lighthouse" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestRenderTemplateMissingKey(t *testing.T) {
	_, err := RenderTemplate("{{.Missing}}", map[string]interface{}{})
	if err == nil {
		t.Error("expected error for missing key")
	}
}

func TestRenderTemplateForbiddenDirective(t *testing.T) {
	for _, tmpl := range []string{
		"{{call .F}}",
		"{{define \"x\"}}y{{end}}",
		"{{template \"x\"}}",
	} {
		_, err := RenderTemplate(tmpl, map[string]interface{}{})
		if err == nil || !strings.Contains(err.Error(), "forbidden directive") {
			t.Errorf("expected forbidden directive error for %q, got %v", tmpl, err)
		}
	}
}

func TestTruncateString(t *testing.T) {
	if got := TruncateString("hello", 10); got != "hello" {
		t.Errorf("TruncateString short = %q", got)
	}
	if got := TruncateString("hello world", 5); got != "hello..." {
		t.Errorf("TruncateString long = %q", got)
	}
}

func TestCountWords(t *testing.T) {
	if got := CountWords("the  keeper\nof the light"); got != 5 {
		t.Errorf("CountWords = %d, want 5", got)
	}
	if got := CountWords("   "); got != 0 {
		t.Errorf("CountWords blank = %d, want 0", got)
	}
}
