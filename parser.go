package strand

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parser reduces a raw provider response to the value a chain returns.
type Parser[T any] interface {
	Parse(resp *ProviderResponse) (T, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc[T any] func(resp *ProviderResponse) (T, error)

// Parse calls f(resp).
func (f ParserFunc[T]) Parse(resp *ProviderResponse) (T, error) {
	return f(resp)
}

// StringParser returns the response text and discards all metadata.
type StringParser struct{}

// Parse returns resp.Content exactly as received.
func (StringParser) Parse(resp *ProviderResponse) (string, error) {
	if resp == nil {
		return "", fmt.Errorf("%w: nil response", ErrMalformedResponse)
	}
	return resp.Content, nil
}

// JSONParser decodes the response text as JSON into T.
// Markdown code fences around the payload are tolerated.
type JSONParser[T any] struct {
	schema string
}

// NewJSONParser creates a JSON parser with a schema generated from T.
func NewJSONParser[T any]() *JSONParser[T] {
	return &JSONParser[T]{schema: generateJSONSchema[T]()}
}

// Schema returns the JSON schema describing T.
func (p *JSONParser[T]) Schema() string {
	return p.schema
}

// FormatInstructions returns text suitable as a template value that asks the
// model to answer in T's shape.
func (p *JSONParser[T]) FormatInstructions() string {
	return "Respond only with a JSON object that conforms to this JSON schema:\n" + p.schema
}

// Parse decodes and, when T implements Validator, validates the response.
func (p *JSONParser[T]) Parse(resp *ProviderResponse) (T, error) {
	var result T
	if resp == nil {
		return result, fmt.Errorf("%w: nil response", ErrMalformedResponse)
	}
	payload := stripCodeFence(resp.Content)
	if payload == "" {
		return result, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return result, fmt.Errorf("%w: failed to parse response: %w", ErrMalformedResponse, err)
	}
	if v, ok := any(result).(Validator); ok {
		if err := v.Validate(); err != nil {
			return result, fmt.Errorf("invalid response: %w", err)
		}
	}
	return result, nil
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		// drop the info string, e.g. "json"
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
