package strand

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// MockProvider is a deterministic stub model for tests and examples.
// By default it echoes the last user message; its streams split the same
// text into word fragments, so streamed and synchronous output always match.
type MockProvider struct {
	name      string
	available atomic.Bool
	respond   func(messages []Message, settings Settings) (string, error)
	calls     atomic.Int64
}

// NewMockProvider creates a mock that echoes the last user message.
func NewMockProvider() *MockProvider {
	return NewMockProviderWithName("mock")
}

// NewMockProviderWithName creates an echoing mock with a specific name.
func NewMockProviderWithName(name string) *MockProvider {
	m := &MockProvider{name: name, respond: echo}
	m.available.Store(true)
	return m
}

// NewMockProviderWithResponse creates a mock that always returns response.
func NewMockProviderWithResponse(response string) *MockProvider {
	m := NewMockProviderWithName("mock-fixed")
	m.respond = func([]Message, Settings) (string, error) {
		return response, nil
	}
	return m
}

// NewMockProviderWithCallback creates a mock that delegates to callback.
func NewMockProviderWithCallback(callback func(messages []Message, settings Settings) (string, error)) *MockProvider {
	m := NewMockProviderWithName("mock-callback")
	m.respond = callback
	return m
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return m.name
}

// SetAvailable toggles availability; an unavailable mock fails every call.
func (m *MockProvider) SetAvailable(available bool) {
	m.available.Store(available)
}

// CallCount returns the number of Call and Stream invocations.
func (m *MockProvider) CallCount() int {
	return int(m.calls.Load())
}

// Call returns the mock response.
func (m *MockProvider) Call(_ context.Context, messages []Message, settings Settings) (*ProviderResponse, error) {
	m.calls.Add(1)
	if !m.available.Load() {
		return nil, fmt.Errorf("%w: provider %s is unavailable", ErrTransport, m.name)
	}
	text, err := m.respond(messages, settings)
	if err != nil {
		return nil, err
	}
	return m.response(messages, settings, text), nil
}

// Stream returns the mock response split into word fragments.
func (m *MockProvider) Stream(ctx context.Context, messages []Message, settings Settings) (*Stream, error) {
	m.calls.Add(1)
	if !m.available.Load() {
		return nil, fmt.Errorf("%w: provider %s is unavailable", ErrTransport, m.name)
	}
	text, err := m.respond(messages, settings)
	if err != nil {
		return nil, err
	}
	return StreamFragments(ctx, SplitWords(text), *m.response(messages, settings, text)), nil
}

func (m *MockProvider) response(messages []Message, settings Settings, text string) *ProviderResponse {
	prompt := 0
	for _, msg := range messages {
		prompt += len(strings.Fields(msg.Content))
	}
	completion := len(strings.Fields(text))
	model := settings.Model
	if model == "" {
		model = m.name
	}
	return &ProviderResponse{
		ID:         fmt.Sprintf("%s-%d", m.name, m.calls.Load()),
		Model:      model,
		Content:    text,
		StopReason: "end_turn",
		Usage: TokenUsage{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
		Metadata: map[string]any{"mock": true},
	}
}

func echo(messages []Message, _ Settings) (string, error) {
	if msg, ok := lastMessage(messages, RoleUser); ok {
		return msg.Content, nil
	}
	return "Mock response", nil
}

// SplitWords splits text into fragments at word boundaries, keeping the
// whitespace attached so the fragments concatenate back to text.
func SplitWords(text string) []string {
	var fragments []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' && text[i-1] != ' ' {
			fragments = append(fragments, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		fragments = append(fragments, text[start:])
	}
	return fragments
}
