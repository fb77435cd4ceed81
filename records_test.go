package strand

import (
	"errors"
	"strings"
	"testing"
)

func TestRecordsRenderPrompt(t *testing.T) {
	type paper struct {
		Title string `json:"title"`
		Year  int    `json:"year"`
	}
	records := Records{
		paper{Title: "The Moon Cheese Hypothesis", Year: 2023},
		map[string]any{"title": "Penguins of Mars"},
		"a raw line",
	}

	text, err := records.RenderPrompt()
	if err != nil {
		t.Fatalf("RenderPrompt failed: %v", err)
	}
	lines := strings.Split(text, "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected one line per record, got %d", len(lines))
	}
	if lines[0] != `{"title":"The Moon Cheese Hypothesis","year":2023}` {
		t.Errorf("Unexpected first line %q", lines[0])
	}
	if lines[2] != "a raw line" {
		t.Errorf("Expected strings to pass through, got %q", lines[2])
	}
}

func TestRecordsEmpty(t *testing.T) {
	text, err := Records{}.RenderPrompt()
	if err != nil || text != "" {
		t.Errorf("Expected empty rendering, got %q (%v)", text, err)
	}
}

func TestRecordsUnrenderable(t *testing.T) {
	tmpl := MustTemplate(System("Use the given data when responding: {data}."))
	_, err := tmpl.Format(map[string]any{"data": Records{map[string]any{"f": func() {}}}})
	if !errors.Is(err, ErrUnrenderable) {
		t.Errorf("Expected ErrUnrenderable, got %v", err)
	}
}
