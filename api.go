// Package strand composes chat prompt templates, hosted model calls and output
// parsers into callable chains.
//
// A chain is three steps joined by a pipz sequence:
//
//   - prompt: a Template is filled with runtime values to produce messages
//   - llm-call: a Provider sends the messages to a hosted model
//   - parse: a Parser reduces the raw response to the value callers want
//
// Chains can be invoked synchronously or streamed fragment by fragment, and
// emit capitan signals for monitoring. Enabling debug on a chain additionally
// emits a structured trace of every step.
//
// Basic usage:
//
//	provider := anthropic.New(anthropic.FromEnv())
//	tmpl := strand.MustTemplate(
//	    strand.System("You are an assistant helping users with their queries."),
//	    strand.Human("{query}"),
//	)
//	chain, _ := strand.Pipe(tmpl, provider, strand.StringParser{})
//	answer, _ := chain.Invoke(ctx, map[string]any{"query": "What is your name?"})
package strand

import (
	"context"
	"fmt"
	"strings"
)

// Provider defines the interface for hosted chat model clients.
// Providers accept conversation messages and return responses with usage stats.
type Provider interface {
	// Call sends messages to the model and returns the complete response.
	// Messages should be in chronological order (oldest first).
	Call(ctx context.Context, messages []Message, settings Settings) (*ProviderResponse, error)

	// Stream sends messages to the model and returns fragments as they are generated.
	Stream(ctx context.Context, messages []Message, settings Settings) (*Stream, error)

	// Name returns the provider identifier (e.g., "openai", "anthropic")
	Name() string
}

// Validator defines the interface for parsed output validation.
// JSONParser calls Validate on decoded values that implement it.
type Validator interface {
	Validate() error
}

// TokenUsage contains token counts from a provider response.
type TokenUsage struct {
	Prompt     int // Tokens used by the prompt/messages
	Completion int // Tokens used by the completion/response
	Total      int // Total tokens used
}

// ProviderResponse is the raw response object returned by a provider.
// Content is the textual content; everything else is envelope metadata.
type ProviderResponse struct {
	ID         string         // Provider-assigned response identifier
	Model      string         // Model that produced the response
	Content    string         // The text response content
	StopReason string         // Why generation stopped (end_turn, max_tokens, ...)
	Usage      TokenUsage     // Token usage statistics
	Metadata   map[string]any // Provider-specific extras
}

// Message represents a single message in a conversation.
type Message struct {
	Role    string // RoleSystem, RoleUser, or RoleAssistant
	Content string // The message content
}

// Role constants for message types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ParseRole normalises a role name. "human" maps to RoleUser and "ai" to
// RoleAssistant so templates can use either vocabulary.
func ParseRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system":
		return RoleSystem, nil
	case "human", "user":
		return RoleUser, nil
	case "ai", "assistant":
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrTemplateSyntax, role)
	}
}
