package strand

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
)

// MessageTemplate is one (role, parameterized text) pair of a chat template.
// Content placeholders use {name}; {{ and }} produce literal braces.
// When Placeholder is set the entry expands to a []Message value instead.
type MessageTemplate struct {
	Role        string `yaml:"role,omitempty"`
	Content     string `yaml:"content,omitempty"`
	Placeholder string `yaml:"placeholder,omitempty"`
}

// System returns a system message template.
func System(content string) MessageTemplate {
	return MessageTemplate{Role: RoleSystem, Content: content}
}

// Human returns a user message template.
func Human(content string) MessageTemplate {
	return MessageTemplate{Role: RoleUser, Content: content}
}

// AI returns an assistant message template.
func AI(content string) MessageTemplate {
	return MessageTemplate{Role: RoleAssistant, Content: content}
}

// Placeholder returns a template entry that expands to the []Message value
// supplied under name, typically conversation history.
func Placeholder(name string) MessageTemplate {
	return MessageTemplate{Placeholder: name}
}

// Renderer is implemented by values that control their own prompt text.
type Renderer interface {
	RenderPrompt() (string, error)
}

// Template is an ordered list of message templates rendered with the
// langchaingo f-string chat prompt template.
// Templates are immutable and safe for concurrent use.
type Template struct {
	chat prompts.ChatPromptTemplate

	// variables in template order, placeholders included.
	variables    []string
	placeholders map[string]struct{}
	partials     map[string]any
}

// argsNotDefined prefixes the renderer's error for an unbound name.
const argsNotDefined = "args not defined: "

// NewTemplate parses the given message templates.
func NewTemplate(msgs ...MessageTemplate) (*Template, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: template has no messages", ErrTemplateSyntax)
	}
	t := &Template{placeholders: make(map[string]struct{})}
	formatters := make([]prompts.MessageFormatter, 0, len(msgs))
	for i, m := range msgs {
		if m.Placeholder != "" {
			if !validName(m.Placeholder) {
				return nil, fmt.Errorf("%w: message %d: invalid placeholder name %q", ErrTemplateSyntax, i, m.Placeholder)
			}
			t.placeholders[m.Placeholder] = struct{}{}
			t.addVariables(m.Placeholder)
			formatters = append(formatters, prompts.MessagesPlaceholder{VariableName: m.Placeholder})
			continue
		}
		role, err := ParseRole(m.Role)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		vars, err := contentVariables(m.Content)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		t.addVariables(vars...)
		formatters = append(formatters, messageFormatter(role, m.Content, vars))
	}
	t.chat = prompts.NewChatPromptTemplate(formatters)
	return t, nil
}

// MustTemplate is like NewTemplate but panics on error.
func MustTemplate(msgs ...MessageTemplate) *Template {
	t, err := NewTemplate(msgs...)
	if err != nil {
		panic(err)
	}
	return t
}

// FromMessages builds a template from (role, text) pairs.
//
//	strand.FromMessages(
//	    [2]string{"system", "Use the given data when responding: {data}."},
//	    [2]string{"human", "{query}"},
//	)
func FromMessages(pairs ...[2]string) (*Template, error) {
	msgs := make([]MessageTemplate, len(pairs))
	for i, p := range pairs {
		msgs[i] = MessageTemplate{Role: p[0], Content: p[1]}
	}
	return NewTemplate(msgs...)
}

// Variables returns the sorted names the template still needs at Format time.
func (t *Template) Variables() []string {
	names := make([]string, 0, len(t.variables))
	for _, name := range t.variables {
		if _, bound := t.partials[name]; !bound {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Partial returns a copy of the template with some values bound in advance.
// Values passed to Format take precedence over partial values.
func (t *Template) Partial(values map[string]any) *Template {
	partials := make(map[string]any, len(t.partials)+len(values))
	for k, v := range t.partials {
		partials[k] = v
	}
	for k, v := range values {
		partials[k] = v
	}
	return &Template{
		chat:         t.chat,
		variables:    t.variables,
		placeholders: t.placeholders,
		partials:     partials,
	}
}

// Format substitutes values into the template and returns the messages in
// template order. Every referenced name must be supplied; extra keys are ignored.
func (t *Template) Format(values map[string]any) ([]Message, error) {
	for _, name := range t.variables {
		if _, ok := values[name]; ok {
			continue
		}
		if _, ok := t.partials[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingVariable, name)
		}
	}

	chat := t.chat
	partials, err := t.prepare(t.partials)
	if err != nil {
		return nil, err
	}
	prepared, err := t.prepare(values)
	if err != nil {
		return nil, err
	}
	// Partial variables only hold text, so bound history goes in directly.
	for name := range t.placeholders {
		if history, ok := partials[name]; ok {
			delete(partials, name)
			if _, set := prepared[name]; !set {
				prepared[name] = history
			}
		}
	}
	chat.PartialVariables = partials

	formatted, err := chat.FormatMessages(prepared)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTemplateSyntax, err)
	}
	out := make([]Message, len(formatted))
	for i, m := range formatted {
		out[i] = fromChatMessage(m)
	}
	return out, nil
}

// prepare renders the referenced values to the forms the chat template
// accepts: strings for text variables and chat messages for placeholders.
func (t *Template) prepare(values map[string]any) (map[string]any, error) {
	prepared := make(map[string]any, len(values))
	for _, name := range t.variables {
		value, ok := values[name]
		if !ok {
			continue
		}
		if _, isPlaceholder := t.placeholders[name]; isPlaceholder {
			expanded, err := expandPlaceholder(name, value)
			if err != nil {
				return nil, err
			}
			prepared[name] = toChatMessages(expanded)
			continue
		}
		text, err := renderValue(value)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		prepared[name] = text
	}
	return prepared, nil
}

func (t *Template) addVariables(names ...string) {
	for _, name := range names {
		if !slices.Contains(t.variables, name) {
			t.variables = append(t.variables, name)
		}
	}
}

// contentVariables lists the names referenced by content in order, using the
// f-string renderer itself to find them. A trailing "}}" turns an unterminated
// placeholder into a stray '}', which the renderer rejects.
func contentVariables(content string) ([]string, error) {
	closed := content + "}}"
	bound := make(map[string]any)
	var names []string
	for {
		_, err := prompts.RenderTemplate(closed, prompts.TemplateFormatFString, bound)
		if err == nil {
			return names, nil
		}
		name, ok := strings.CutPrefix(err.Error(), argsNotDefined)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrTemplateSyntax, err)
		}
		if !validName(name) {
			return nil, fmt.Errorf("%w: invalid placeholder name %q", ErrTemplateSyntax, name)
		}
		bound[name] = ""
		names = append(names, name)
	}
}

func messageFormatter(role, content string, vars []string) prompts.MessageFormatter {
	prompt := prompts.PromptTemplate{
		Template:       content,
		InputVariables: vars,
		TemplateFormat: prompts.TemplateFormatFString,
	}
	switch role {
	case RoleSystem:
		return prompts.SystemMessagePromptTemplate{Prompt: prompt}
	case RoleAssistant:
		return prompts.AIMessagePromptTemplate{Prompt: prompt}
	default:
		return prompts.HumanMessagePromptTemplate{Prompt: prompt}
	}
}

func toChatMessages(messages []Message) []llms.ChatMessage {
	out := make([]llms.ChatMessage, len(messages))
	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			out[i] = llms.SystemChatMessage{Content: m.Content}
		case RoleAssistant:
			out[i] = llms.AIChatMessage{Content: m.Content}
		case RoleUser:
			out[i] = llms.HumanChatMessage{Content: m.Content}
		default:
			out[i] = llms.GenericChatMessage{Role: m.Role, Content: m.Content}
		}
	}
	return out
}

func fromChatMessage(m llms.ChatMessage) Message {
	switch m.GetType() {
	case llms.ChatMessageTypeSystem:
		return Message{Role: RoleSystem, Content: m.GetContent()}
	case llms.ChatMessageTypeAI:
		return Message{Role: RoleAssistant, Content: m.GetContent()}
	case llms.ChatMessageTypeHuman:
		return Message{Role: RoleUser, Content: m.GetContent()}
	}
	if g, ok := m.(llms.GenericChatMessage); ok {
		return Message{Role: g.Role, Content: g.Content}
	}
	return Message{Role: string(m.GetType()), Content: m.GetContent()}
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func expandPlaceholder(name string, value any) ([]Message, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []Message:
		out := make([]Message, len(v))
		copy(out, v)
		return out, nil
	case Message:
		return []Message{v}, nil
	case *Session:
		if v == nil {
			return nil, nil
		}
		return v.Messages(), nil
	default:
		return nil, fmt.Errorf("%w: placeholder %q needs []Message, got %T", ErrUnrenderable, name, value)
	}
}

// renderValue converts a template value to prompt text.
func renderValue(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	// Typed nil pointers render like nil; calling String on them may panic.
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return "", nil
	}

	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case Renderer:
		text, err := v.RenderPrompt()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnrenderable, err)
		}
		return text, nil
	case fmt.Stringer:
		return v.String(), nil
	case error:
		return v.Error(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(v), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case []Message:
		lines := make([]string, len(v))
		for i, m := range v {
			lines[i] = m.Role + ": " + m.Content
		}
		return strings.Join(lines, "\n"), nil
	}

	switch reflect.TypeOf(value).Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return "", fmt.Errorf("%w: unsupported type %T", ErrUnrenderable, value)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnrenderable, err)
	}
	return string(data), nil
}
