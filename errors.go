package strand

import (
	"errors"
	"fmt"
	"net/http"
)

// Template errors.
var (
	ErrMissingVariable = errors.New("missing template variable")
	ErrUnrenderable    = errors.New("template value cannot be rendered as text")
	ErrTemplateSyntax  = errors.New("invalid template")
)

// Invocation errors.
var (
	ErrInvalidSettings   = errors.New("invalid generation settings")
	ErrAuthentication    = errors.New("authentication failed")
	ErrMissingAPIKey     = fmt.Errorf("%w: api key not set", ErrAuthentication)
	ErrRateLimit         = errors.New("rate limit exceeded")
	ErrProvider          = errors.New("provider error")
	ErrTransport         = errors.New("transport error")
	ErrMalformedResponse = errors.New("malformed response")
	ErrStreamClosed      = errors.New("stream closed")
)

// APIError is a non-success reply from a hosted model API.
// It matches ErrProvider and, depending on status, ErrAuthentication or ErrRateLimit.
type APIError struct {
	Provider   string
	StatusCode int
	Type       string // Provider error type, e.g. "overloaded_error"
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s error: status %d", e.Provider, e.StatusCode)
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// Is reports whether the API error belongs to the target category.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrProvider:
		return true
	case ErrAuthentication:
		return e.StatusCode == http.StatusUnauthorized ||
			e.StatusCode == http.StatusForbidden ||
			e.Type == "authentication_error" ||
			e.Type == "permission_error"
	case ErrRateLimit:
		return e.StatusCode == http.StatusTooManyRequests || e.Type == "rate_limit_error"
	}
	return false
}
