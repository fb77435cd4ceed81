package strand

import (
	"encoding/json"
	"testing"

	"github.com/zoobzio/sentinel"
)

// Test structs for schema generation.
type SimpleStruct struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type ComplexStruct struct {
	Required string   `json:"required"`
	Optional *string  `json:"optional,omitempty"`
	List     []string `json:"list"`
	Score    float64  `json:"score"`
	Done     bool     `json:"done"`
	Ignored  string   `json:"-"`
}

func parseSchema(t *testing.T, schema string) map[string]any {
	t.Helper()
	var parsed map[string]any
	if err := json.Unmarshal([]byte(schema), &parsed); err != nil {
		t.Fatalf("Schema is not valid JSON: %v", err)
	}
	return parsed
}

func TestGenerateJSONSchema(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		parsed := parseSchema(t, generateJSONSchema[SimpleStruct]())
		if parsed["type"] != "object" {
			t.Errorf("Expected type=object, got %v", parsed["type"])
		}
		props, ok := parsed["properties"].(map[string]any)
		if !ok || props["name"] == nil || props["count"] == nil {
			t.Errorf("Expected name and count properties, got %v", parsed["properties"])
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		if generateJSONSchema[SimpleStruct]() != generateJSONSchema[SimpleStruct]() {
			t.Error("Schema generation is not deterministic")
		}
	})

	t.Run("field types", func(t *testing.T) {
		parsed := parseSchema(t, generateJSONSchema[ComplexStruct]())
		props := parsed["properties"].(map[string]any)

		want := map[string]string{
			"required": "string",
			"list":     "array",
			"score":    "number",
			"done":     "boolean",
		}
		for name, typ := range want {
			prop, ok := props[name].(map[string]any)
			if !ok {
				t.Errorf("Missing property %s", name)
				continue
			}
			if prop["type"] != typ {
				t.Errorf("Expected %s to be %s, got %v", name, typ, prop["type"])
			}
		}
		if props["-"] != nil || props["ignored"] != nil {
			t.Error("Fields with json:\"-\" should be skipped")
		}
	})

	t.Run("required", func(t *testing.T) {
		parsed := parseSchema(t, generateJSONSchema[ComplexStruct]())
		required, _ := parsed["required"].([]any)
		for _, name := range required {
			if name == "optional" {
				t.Error("Fields with omitempty should not be required")
			}
		}
		if len(required) != 4 {
			t.Errorf("Expected 4 required fields, got %v", required)
		}
	})
}

func TestJSONFieldName(t *testing.T) {
	metadata := sentinel.Inspect[ComplexStruct]()
	for _, field := range metadata.Fields {
		name, omitempty := jsonFieldName(field)
		switch field.Name {
		case "Optional":
			if name != "optional" || !omitempty {
				t.Errorf("Expected optional/omitempty, got %s/%v", name, omitempty)
			}
		case "Required":
			if name != "required" || omitempty {
				t.Errorf("Expected required, got %s/%v", name, omitempty)
			}
		}
	}
}

func TestJSONType(t *testing.T) {
	tests := map[string]string{
		"string":   "string",
		"*string":  "string",
		"int64":    "integer",
		"uint8":    "integer",
		"float32":  "number",
		"bool":     "boolean",
		"[]string": "array",
		"Nested":   "object",
	}
	for goType, want := range tests {
		if got := jsonType(goType); got != want {
			t.Errorf("jsonType(%q) = %q, want %q", goType, got, want)
		}
	}
}
