package strand

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TemplateFile is a chat template stored as YAML.
//
//	name: rag
//	description: Answer using supplied data
//	model: claude-3-5-sonnet-20240620
//	temperature: 0.8
//	max_tokens: 250
//	messages:
//	  - role: system
//	    content: "Use the given data when responding: {data}."
//	  - placeholder: history
//	  - role: human
//	    content: "{query}"
type TemplateFile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Model       string            `yaml:"model,omitempty"`
	Temperature *float32          `yaml:"temperature,omitempty"`
	MaxTokens   int               `yaml:"max_tokens,omitempty"`
	Messages    []MessageTemplate `yaml:"messages"`
}

// ParseTemplateFile decodes a YAML template file.
func ParseTemplateFile(data []byte) (*TemplateFile, error) {
	var f TemplateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplateSyntax, err)
	}
	if len(f.Messages) == 0 {
		return nil, fmt.Errorf("%w: template file %q has no messages", ErrTemplateSyntax, f.Name)
	}
	if err := f.Settings().Validate(); err != nil {
		return nil, fmt.Errorf("template file %q: %w", f.Name, err)
	}
	return &f, nil
}

// LoadTemplateFile reads and decodes a YAML template file from disk.
func LoadTemplateFile(path string) (*TemplateFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	return ParseTemplateFile(data)
}

// Template builds the parsed template.
func (f *TemplateFile) Template() (*Template, error) {
	return NewTemplate(f.Messages...)
}

// Settings returns the generation settings declared in the file.
func (f *TemplateFile) Settings() Settings {
	s := DefaultSettings()
	s.Model = f.Model
	s.MaxTokens = f.MaxTokens
	if f.Temperature != nil {
		s.Temperature = *f.Temperature
	}
	return s
}
