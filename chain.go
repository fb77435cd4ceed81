package strand

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// Chain composes a Template, a Provider and a Parser into one callable pipeline.
// Chains are immutable after construction and safe for concurrent use.
type Chain[T any] struct {
	name       string
	template   *Template
	provider   Provider
	parser     Parser[T]
	settings   Settings
	debug      bool
	historyKey string

	pipeline       pipz.Chainable[*ChainRequest]
	streamPipeline pipz.Chainable[*ChainRequest]
}

// NewChain builds a chain of template, provider and parser.
//
// Example:
//
//	chain, err := NewChain(tmpl, provider, StringParser{},
//	    WithModel("claude-3-5-sonnet-20240620"),
//	    WithTemperature(0.8),
//	    WithMaxTokens(250),
//	)
func NewChain[T any](tmpl *Template, provider Provider, parser Parser[T], opts ...Option) (*Chain[T], error) {
	if tmpl == nil {
		return nil, errors.New("chain: template is required")
	}
	if provider == nil {
		return nil, errors.New("chain: provider is required")
	}
	if parser == nil {
		return nil, errors.New("chain: parser is required")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.settings.Validate(); err != nil {
		return nil, fmt.Errorf("chain %s: %w", cfg.name, err)
	}

	c := &Chain[T]{
		name:       cfg.name,
		template:   tmpl,
		provider:   provider,
		parser:     parser,
		settings:   cfg.settings,
		debug:      cfg.debug,
		historyKey: cfg.historyKey,
	}

	callStage := c.callTerminal(provider)
	streamStage := c.streamTerminal(provider)
	if cfg.fallback != nil {
		callStage = pipz.NewFallback(FallbackID, callStage, c.callTerminal(cfg.fallback))
		streamStage = pipz.NewFallback(FallbackID, streamStage, c.streamTerminal(cfg.fallback))
	}
	for _, w := range cfg.wrappers {
		callStage = w.apply(callStage)
		if w.stream {
			streamStage = w.apply(streamStage)
		}
	}

	c.pipeline = pipz.NewSequence(pipz.NewIdentity(cfg.name, "Formats, calls and parses"),
		c.promptStage(), callStage, c.parseStage())
	c.streamPipeline = pipz.NewSequence(pipz.NewIdentity(cfg.name+"-stream", "Formats and opens a stream"),
		c.promptStage(), streamStage)
	return c, nil
}

// Pipe joins template, provider and parser with default options.
func Pipe[T any](tmpl *Template, provider Provider, parser Parser[T]) (*Chain[T], error) {
	return NewChain(tmpl, provider, parser)
}

// Name returns the chain name.
func (c *Chain[T]) Name() string {
	return c.name
}

// Template returns the chain's prompt template.
func (c *Chain[T]) Template() *Template {
	return c.template
}

// Settings returns the generation settings sent with every call.
func (c *Chain[T]) Settings() Settings {
	return c.settings
}

// Debug reports whether the chain emits trace signals.
func (c *Chain[T]) Debug() bool {
	return c.debug
}

// GetPipeline returns the internal pipeline for composition.
func (c *Chain[T]) GetPipeline() pipz.Chainable[*ChainRequest] {
	return c.pipeline
}

// Invoke formats the template with values, calls the model and parses the response.
func (c *Chain[T]) Invoke(ctx context.Context, values map[string]any) (T, error) {
	_, result, err := c.run(ctx, values)
	return result, err
}

// InvokeWithSession injects the session history under the chain's history key,
// invokes the chain and, on success, records the human message and the model
// reply in the session.
func (c *Chain[T]) InvokeWithSession(ctx context.Context, session *Session, values map[string]any) (T, error) {
	var zero T
	if session == nil {
		return zero, fmt.Errorf("chain %s: session is required", c.name)
	}
	if c.historyKey == "" {
		return zero, fmt.Errorf("chain %s: no history key configured", c.name)
	}
	merged := make(map[string]any, len(values)+1)
	for k, v := range values {
		merged[k] = v
	}
	merged[c.historyKey] = session.Messages()

	req, result, err := c.run(ctx, merged)
	if err != nil {
		return zero, err
	}

	// Session is only touched after the whole chain succeeded.
	if human, ok := lastMessage(req.Messages, RoleUser); ok {
		session.Append(RoleUser, human.Content)
	}
	session.Append(RoleAssistant, req.Response.Content)
	session.SetUsage(&req.Response.Usage)
	return result, nil
}

// Stream formats the template with values and streams the model output.
// Fragments are the raw model text; their concatenation equals the text a
// StringParser chain returns from Invoke.
func (c *Chain[T]) Stream(ctx context.Context, values map[string]any) (*Stream, error) {
	req := c.newRequest(values)
	start := time.Now()
	c.started(ctx, req, "stream")

	if _, err := c.streamPipeline.Process(ctx, req); err != nil {
		c.failed(ctx, req, err)
		return nil, err
	}

	stream := req.Stream
	if c.debug {
		stream.onFragment = func(text string) {
			c.trace(ctx, TraceStreamChunk, req, "llm", ChunkKey.Field(text))
		}
	}
	stream.onFinish = func(resp *ProviderResponse, err error) {
		req.Response = resp
		if err != nil && !errors.Is(err, ErrStreamClosed) {
			c.failed(ctx, req, err)
			return
		}
		if c.debug {
			c.trace(ctx, TraceLLMEnd, req, "llm",
				OutputKey.Field(resp.Content),
				TotalTokensKey.Field(resp.Usage.Total),
				ResponseFinishReasonKey.Field(resp.StopReason),
			)
			c.trace(ctx, TraceChainEnd, req, "chain", OutputKey.Field(resp.Content))
		}
		c.completed(ctx, req, resp.Content, time.Since(start))
	}
	return stream, nil
}

func (c *Chain[T]) run(ctx context.Context, values map[string]any) (*ChainRequest, T, error) {
	var result T
	req := c.newRequest(values)
	start := time.Now()
	c.started(ctx, req, "invoke")

	if _, err := c.pipeline.Process(ctx, req); err != nil {
		c.failed(ctx, req, err)
		return req, result, err
	}

	result, ok := req.Output.(T)
	if !ok {
		err := fmt.Errorf("%w: parser produced %T", ErrMalformedResponse, req.Output)
		c.failed(ctx, req, err)
		return req, result, err
	}

	output := describe(result)
	if c.debug {
		c.trace(ctx, TraceChainEnd, req, "chain", OutputKey.Field(output))
	}
	c.completed(ctx, req, output, time.Since(start))
	return req, result, nil
}

func (c *Chain[T]) newRequest(values map[string]any) *ChainRequest {
	return &ChainRequest{
		Values:       values,
		Settings:     c.settings,
		RunID:        uuid.New().String(),
		ChainName:    c.name,
		ProviderName: c.provider.Name(),
		Debug:        c.debug,
	}
}

func (c *Chain[T]) promptStage() pipz.Chainable[*ChainRequest] {
	return pipz.Apply(PromptID, func(ctx context.Context, req *ChainRequest) (*ChainRequest, error) {
		messages, err := c.template.Format(req.Values)
		if err != nil {
			return req, err
		}
		req.Messages = messages
		if req.Debug {
			c.trace(ctx, TracePromptEnd, req, "prompt", MessagesKey.Field(describeMessages(messages)))
		}
		return req, nil
	})
}

func (c *Chain[T]) callTerminal(provider Provider) pipz.Chainable[*ChainRequest] {
	return pipz.Apply(CallID, func(ctx context.Context, req *ChainRequest) (*ChainRequest, error) {
		if req.Debug {
			c.traceLLMStart(ctx, req, provider)
		}
		resp, err := provider.Call(ctx, req.Messages, req.Settings)
		if err != nil {
			return req, err
		}
		req.Response = resp
		if req.Debug {
			c.trace(ctx, TraceLLMEnd, req, "llm",
				OutputKey.Field(resp.Content),
				ModelKey.Field(resp.Model),
				PromptTokensKey.Field(resp.Usage.Prompt),
				CompletionTokensKey.Field(resp.Usage.Completion),
				TotalTokensKey.Field(resp.Usage.Total),
				ResponseFinishReasonKey.Field(resp.StopReason),
			)
		}
		return req, nil
	})
}

func (c *Chain[T]) streamTerminal(provider Provider) pipz.Chainable[*ChainRequest] {
	return pipz.Apply(StreamID, func(ctx context.Context, req *ChainRequest) (*ChainRequest, error) {
		if req.Debug {
			c.traceLLMStart(ctx, req, provider)
		}
		stream, err := provider.Stream(ctx, req.Messages, req.Settings)
		if err != nil {
			return req, err
		}
		req.Stream = stream
		return req, nil
	})
}

func (c *Chain[T]) parseStage() pipz.Chainable[*ChainRequest] {
	return pipz.Apply(ParseID, func(ctx context.Context, req *ChainRequest) (*ChainRequest, error) {
		out, err := c.parser.Parse(req.Response)
		if err != nil {
			content := ""
			if req.Response != nil {
				content = req.Response.Content
			}
			capitan.Error(ctx, ResponseParseFailed,
				RunIDKey.Field(req.RunID),
				ChainKey.Field(req.ChainName),
				ProviderKey.Field(req.ProviderName),
				OutputKey.Field(content),
				ErrorKey.Field(err.Error()),
				ErrorTypeKey.Field("parse_error"),
			)
			return req, err
		}
		req.Output = out
		if req.Debug {
			c.trace(ctx, TraceParserEnd, req, "parser", OutputKey.Field(describe(out)))
		}
		return req, nil
	})
}

func (c *Chain[T]) started(ctx context.Context, req *ChainRequest, mode string) {
	capitan.Info(ctx, RequestStarted,
		RunIDKey.Field(req.RunID),
		ChainKey.Field(req.ChainName),
		ProviderKey.Field(req.ProviderName),
		ModeKey.Field(mode),
		ModelKey.Field(req.Settings.Model),
		TemperatureKey.Field(float64(req.Settings.Temperature)),
	)
	if req.Debug {
		c.trace(ctx, TraceChainStart, req, "chain",
			ModeKey.Field(mode),
			InputKey.Field(describeValues(req.Values)),
		)
	}
}

func (c *Chain[T]) completed(ctx context.Context, req *ChainRequest, output string, elapsed time.Duration) {
	fields := []capitan.Field{
		RunIDKey.Field(req.RunID),
		ChainKey.Field(req.ChainName),
		ProviderKey.Field(req.ProviderName),
		OutputKey.Field(output),
		DurationMsKey.Field(int(elapsed.Milliseconds())),
	}
	if req.Response != nil {
		fields = append(fields, TotalTokensKey.Field(req.Response.Usage.Total))
	}
	capitan.Info(ctx, RequestCompleted, fields...)
}

func (c *Chain[T]) failed(ctx context.Context, req *ChainRequest, err error) {
	capitan.Error(ctx, RequestFailed,
		RunIDKey.Field(req.RunID),
		ChainKey.Field(req.ChainName),
		ProviderKey.Field(req.ProviderName),
		ErrorKey.Field(err.Error()),
		ErrorTypeKey.Field(errorType(err)),
	)
	if req.Debug {
		c.trace(ctx, TraceChainError, req, "chain",
			ErrorKey.Field(err.Error()),
			ErrorTypeKey.Field(errorType(err)),
		)
	}
}

func (c *Chain[T]) traceLLMStart(ctx context.Context, req *ChainRequest, provider Provider) {
	c.trace(ctx, TraceLLMStart, req, "llm",
		ProviderKey.Field(provider.Name()),
		ModelKey.Field(req.Settings.Model),
		TemperatureKey.Field(float64(req.Settings.Temperature)),
		MaxTokensKey.Field(req.Settings.MaxTokens),
		MessagesKey.Field(describeMessages(req.Messages)),
	)
}

func (*Chain[T]) trace(ctx context.Context, signal capitan.Signal, req *ChainRequest, step string, fields ...capitan.Field) {
	base := []capitan.Field{
		RunIDKey.Field(req.RunID),
		ChainKey.Field(req.ChainName),
		StepKey.Field(step),
		SeqKey.Field(int(req.traceSeq.Add(1))),
	}
	capitan.Info(ctx, signal, append(base, fields...)...)
}

func lastMessage(messages []Message, role string) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return messages[i], true
		}
	}
	return Message{}, false
}

// errorType classifies an error for hook consumers.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrMissingVariable), errors.Is(err, ErrUnrenderable), errors.Is(err, ErrTemplateSyntax):
		return "template_error"
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit_error"
	case errors.Is(err, ErrMalformedResponse):
		return "parse_error"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "context_error"
	default:
		return "error"
	}
}

func describe(v any) string {
	text, err := renderValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return text
}

func describeValues(values map[string]any) string {
	if len(values) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(values))
	for _, name := range slices.Sorted(maps.Keys(values)) {
		parts = append(parts, name+"="+describe(values[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func describeMessages(messages []Message) string {
	text, _ := renderValue(messages)
	return text
}
