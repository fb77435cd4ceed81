package strand

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Records renders a slice of external dataset records as one JSON document
// per line. The records themselves are passed through untouched.
type Records []any

// RenderPrompt implements Renderer.
func (r Records) RenderPrompt() (string, error) {
	lines := make([]string, 0, len(r))
	for i, rec := range r {
		if s, ok := rec.(string); ok {
			lines = append(lines, s)
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("record %d: %w", i, err)
		}
		lines = append(lines, string(data))
	}
	return strings.Join(lines, "\n"), nil
}
