package strand

import (
	"encoding/json"
	"strings"

	"github.com/zoobzio/sentinel"
)

// generateJSONSchema describes T as a JSON Schema object using sentinel metadata.
func generateJSONSchema[T any]() string {
	metadata := sentinel.Inspect[T]()

	properties := make(map[string]any, len(metadata.Fields))
	required := make([]string, 0, len(metadata.Fields))
	for _, field := range metadata.Fields {
		name, omitempty := jsonFieldName(field)
		if name == "-" {
			continue
		}
		properties[name] = fieldSchema(field)
		if !omitempty {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func fieldSchema(field sentinel.FieldMetadata) map[string]any {
	prop := map[string]any{"type": jsonType(field.Type)}
	if desc, ok := field.Tags["desc"]; ok {
		prop["description"] = desc
	}
	if strings.HasPrefix(field.Type, "[]") {
		prop["items"] = map[string]any{"type": jsonType(strings.TrimPrefix(field.Type, "[]"))}
	}
	return prop
}

// jsonFieldName returns the encoded name of a field and whether it is optional.
func jsonFieldName(field sentinel.FieldMetadata) (string, bool) {
	tag, ok := field.Tags["json"]
	if !ok {
		return strings.ToLower(field.Name[:1]) + field.Name[1:], false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = strings.ToLower(field.Name[:1]) + field.Name[1:]
	}
	return name, strings.Contains(opts, "omitempty")
}

func jsonType(goType string) string {
	goType = strings.TrimPrefix(goType, "*")
	switch {
	case goType == "string":
		return "string"
	case goType == "bool":
		return "boolean"
	case strings.HasPrefix(goType, "int"), strings.HasPrefix(goType, "uint"):
		return "integer"
	case strings.HasPrefix(goType, "float"):
		return "number"
	case strings.HasPrefix(goType, "[]"):
		return "array"
	default:
		return "object"
	}
}
