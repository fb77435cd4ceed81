package strand

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Session holds conversation history for chains built WithHistory.
// The history is injected into the template's placeholder on every
// InvokeWithSession and grows by one human and one assistant message per
// successful call.
//
// Sessions are safe for concurrent use by multiple goroutines.
type Session struct {
	id        string
	messages  []Message
	lastUsage *TokenUsage
	mu        sync.RWMutex
}

// NewSession creates an empty session with a unique ID.
func NewSession() *Session {
	return &Session{
		id:       uuid.New().String(),
		messages: make([]Message, 0),
	}
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string {
	return s.id
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return messages
}

// Append adds a message to the history.
func (s *Session) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, Message{Role: role, Content: content})
}

// Clear removes all messages.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]Message, 0)
}

// Prune removes the last n exchanges (human + assistant pairs).
// Removing more exchanges than exist empties the session.
func (s *Session) Prune(n int) error {
	if n < 0 {
		return fmt.Errorf("prune count must be non-negative, got %d", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keep := len(s.messages) - n*2
	if keep <= 0 {
		s.messages = make([]Message, 0)
		return nil
	}
	s.messages = s.messages[:keep]
	return nil
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// LastUsage returns the token usage of the most recent successful call,
// or nil before the first one.
func (s *Session) LastUsage() *TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastUsage == nil {
		return nil
	}
	usage := *s.lastUsage
	return &usage
}

// SetUsage records token usage.
func (s *Session) SetUsage(usage *TokenUsage) {
	if usage == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *usage
	s.lastUsage = &u
}

// At returns the message at index.
func (s *Session) At(index int) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.messages) {
		return Message{}, fmt.Errorf("index %d out of bounds (len=%d)", index, len(s.messages))
	}
	return s.messages[index], nil
}

// Truncate keeps the first keepFirst and last keepLast messages and drops
// everything in between. Useful for bounding context size.
func (s *Session) Truncate(keepFirst, keepLast int) error {
	if keepFirst < 0 || keepLast < 0 {
		return fmt.Errorf("keepFirst and keepLast must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.messages)
	if keepFirst+keepLast >= total {
		return nil
	}

	kept := make([]Message, 0, keepFirst+keepLast)
	kept = append(kept, s.messages[:keepFirst]...)
	kept = append(kept, s.messages[total-keepLast:]...)
	s.messages = kept
	return nil
}

// SetMessages replaces the entire history.
func (s *Session) SetMessages(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = make([]Message, len(msgs))
	copy(s.messages, msgs)
}
