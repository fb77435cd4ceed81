package strand

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/pipz"
)

// Pipeline identities, shared by every chain.
var (
	PromptID         = pipz.NewIdentity("prompt", "Formats the chat prompt template")
	CallID           = pipz.NewIdentity("llm-call", "Sends the prompt to the model")
	StreamID         = pipz.NewIdentity("llm-stream", "Opens a streamed model response")
	ParseID          = pipz.NewIdentity("parse", "Parses the model response")
	FallbackID       = pipz.NewIdentity("with-fallback", "Retries the model stage on a fallback provider")
	RetryID          = pipz.NewIdentity("retry", "Retries failed model calls")
	BackoffID        = pipz.NewIdentity("backoff", "Retries failed model calls with exponential backoff")
	TimeoutID        = pipz.NewIdentity("timeout", "Bounds each synchronous model call")
	CircuitBreakerID = pipz.NewIdentity("circuit-breaker", "Stops calling a failing model")
	RateLimitID      = pipz.NewIdentity("rate-limit", "Limits the model call rate")
	ErrorHandlerID   = pipz.NewIdentity("error-handler", "Reports model stage failures")
	DispatchID       = pipz.NewIdentity("dispatch", "Runs the model stage guarded by a shared connector")
)

// Option configures a chain at construction time.
type Option func(*chainConfig)

// stageWrapper decorates the model stage of a chain with reliability behavior.
// Wrappers that derive a per-call context do not apply to streams, whose
// context must outlive the stage.
type stageWrapper struct {
	apply  func(pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest]
	stream bool
}

type chainConfig struct {
	name       string
	settings   Settings
	debug      bool
	historyKey string
	fallback   Provider
	wrappers   []stageWrapper
}

func defaultConfig() chainConfig {
	return chainConfig{
		name:     "chain",
		settings: DefaultSettings(),
	}
}

// WithName sets the chain name reported in hooks and traces.
func WithName(name string) Option {
	return func(c *chainConfig) {
		c.name = name
	}
}

// WithSettings replaces the generation settings.
func WithSettings(settings Settings) Option {
	return func(c *chainConfig) {
		c.settings = settings
	}
}

// WithModel sets the model identifier.
func WithModel(model string) Option {
	return func(c *chainConfig) {
		c.settings.Model = model
	}
}

// WithTemperature sets the sampling temperature. Zero is deterministic.
func WithTemperature(temperature float32) Option {
	return func(c *chainConfig) {
		c.settings.Temperature = temperature
	}
}

// WithMaxTokens sets the maximum output length.
func WithMaxTokens(maxTokens int) Option {
	return func(c *chainConfig) {
		c.settings.MaxTokens = maxTokens
	}
}

// WithDebug enables the structured debug trace for every invocation.
// Tracing is observational only and never changes results.
func WithDebug(enabled bool) Option {
	return func(c *chainConfig) {
		c.debug = enabled
	}
}

// WithHistory names the template placeholder that receives session history
// in InvokeWithSession.
func WithHistory(key string) Option {
	return func(c *chainConfig) {
		c.historyKey = key
	}
}

// WithRetry retries failed model calls up to maxAttempts times.
func WithRetry(maxAttempts int) Option {
	return wrap(true, func(stage pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest] {
		return pipz.NewRetry(RetryID, stage, maxAttempts)
	})
}

// WithBackoff retries failed model calls with exponential backoff.
// The delay starts at baseDelay and doubles after each failure.
func WithBackoff(maxAttempts int, baseDelay time.Duration) Option {
	return wrap(true, func(stage pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest] {
		return pipz.NewBackoff(BackoffID, stage, maxAttempts, baseDelay)
	})
}

// WithTimeout bounds each synchronous model call. Streams are bounded by the
// caller's context instead.
func WithTimeout(duration time.Duration) Option {
	return wrap(false, func(stage pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest] {
		return pipz.NewTimeout(TimeoutID, stage, duration)
	})
}

// WithCircuitBreaker opens after 'failures' consecutive failures for 'recovery'.
// Invoke and Stream on one chain share the breaker state.
func WithCircuitBreaker(failures int, recovery time.Duration) Option {
	return func(c *chainConfig) {
		breaker := pipz.NewCircuitBreaker(CircuitBreakerID, dispatcher(), failures, recovery)
		c.wrappers = append(c.wrappers, stageWrapper{apply: shared(breaker), stream: true})
	}
}

// WithRateLimit limits model calls to rps requests per second with the given burst.
// Invoke and Stream on one chain draw from the same budget.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *chainConfig) {
		limiter := pipz.NewRateLimiter(RateLimitID, rps, burst, dispatcher())
		c.wrappers = append(c.wrappers, stageWrapper{apply: shared(limiter), stream: true})
	}
}

// WithErrorHandler passes model stage failures to handler before they propagate.
func WithErrorHandler(handler pipz.Chainable[*pipz.Error[*ChainRequest]]) Option {
	return wrap(true, func(stage pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest] {
		return pipz.NewHandle(ErrorHandlerID, stage, handler)
	})
}

// WithFallback sends the request to another provider when the primary fails.
func WithFallback(fallback Provider) Option {
	return func(c *chainConfig) {
		c.fallback = fallback
	}
}

func wrap(stream bool, apply func(pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest]) Option {
	return func(c *chainConfig) {
		c.wrappers = append(c.wrappers, stageWrapper{apply: apply, stream: stream})
	}
}

type stageKey struct{}

// dispatcher runs the stage carried in the context. A stateful connector built
// around it once can then guard both the call and the stream stage.
func dispatcher() pipz.Chainable[*ChainRequest] {
	return pipz.Apply(DispatchID, func(ctx context.Context, req *ChainRequest) (*ChainRequest, error) {
		stage, ok := ctx.Value(stageKey{}).(pipz.Chainable[*ChainRequest])
		if !ok {
			return req, errors.New("no model stage to dispatch")
		}
		return stage.Process(ctx, req)
	})
}

func shared(connector pipz.Chainable[*ChainRequest]) func(pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest] {
	return func(stage pipz.Chainable[*ChainRequest]) pipz.Chainable[*ChainRequest] {
		return pipz.Apply(connector.Identity(), func(ctx context.Context, req *ChainRequest) (*ChainRequest, error) {
			return connector.Process(context.WithValue(ctx, stageKey{}, stage), req)
		})
	}
}
