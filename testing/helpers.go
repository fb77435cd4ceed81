// Package testing provides stub providers and recorders for testing strand chains.
package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/strand"
)

// Provider name constants for test helpers.
const (
	SeededProviderName    = "seeded-mock"
	SequencedProviderName = "sequenced-mock"
	FailingProviderName   = "failing-mock"
)

// ResponseBuilder provides a fluent interface for constructing JSON model replies.
type ResponseBuilder struct {
	data map[string]any
}

// NewResponseBuilder creates a new ResponseBuilder.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{
		data: make(map[string]any),
	}
}

// WithField sets an arbitrary field.
func (b *ResponseBuilder) WithField(key string, value any) *ResponseBuilder {
	b.data[key] = value
	return b
}

// WithText sets the text field.
func (b *ResponseBuilder) WithText(text string) *ResponseBuilder {
	b.data["text"] = text
	return b
}

// WithList sets key to a list of strings.
func (b *ResponseBuilder) WithList(key string, items ...string) *ResponseBuilder {
	b.data[key] = items
	return b
}

// Build returns the JSON string representation of the response.
func (b *ResponseBuilder) Build() string {
	return string(b.BuildBytes())
}

// BuildFenced returns the JSON wrapped in a markdown code fence, the way chat
// models often reply.
func (b *ResponseBuilder) BuildFenced() string {
	return "```json\n" + b.Build() + "\n```"
}

// BuildBytes returns the JSON bytes of the response.
func (b *ResponseBuilder) BuildBytes() []byte {
	jsonBytes, err := json.Marshal(b.data)
	if err != nil {
		return []byte("{}")
	}
	return jsonBytes
}

func respond(ctx context.Context, name, text string, messages []strand.Message, settings strand.Settings, stream bool) (*strand.ProviderResponse, *strand.Stream) {
	prompt := 0
	for _, msg := range messages {
		prompt += len(strings.Fields(msg.Content))
	}
	completion := len(strings.Fields(text))
	model := settings.Model
	if model == "" {
		model = name
	}
	resp := &strand.ProviderResponse{
		ID:         name,
		Model:      model,
		Content:    text,
		StopReason: "end_turn",
		Usage: strand.TokenUsage{
			Prompt:     prompt,
			Completion: completion,
			Total:      prompt + completion,
		},
	}
	if stream {
		return nil, strand.StreamFragments(ctx, strand.SplitWords(text), *resp)
	}
	return resp, nil
}

var vocabulary = []string{
	"the", "bear", "wandered", "into", "a", "quiet", "forest", "where",
	"honey", "was", "plentiful", "and", "rivers", "ran", "cold", "every",
	"morning", "brought", "new", "scents", "on", "wind", "salmon", "leapt",
}

// SeededProvider generates pseudo-random text from a fixed seed. At
// temperature 0 the same messages always produce the same text; any other
// temperature mixes in a per-call counter so repeated calls differ.
type SeededProvider struct {
	seed  uint64
	words int
	calls atomic.Uint64
}

// NewSeededProvider creates a seeded provider producing replies of the given
// word count. A non-positive count defaults to 12.
func NewSeededProvider(seed uint64, words int) *SeededProvider {
	if words <= 0 {
		words = 12
	}
	return &SeededProvider{seed: seed, words: words}
}

// Name returns the provider identifier.
func (*SeededProvider) Name() string {
	return SeededProviderName
}

// CallCount returns the number of Call and Stream invocations.
func (p *SeededProvider) CallCount() int {
	return int(p.calls.Load())
}

// Call returns generated text.
func (p *SeededProvider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	resp, _ := respond(ctx, SeededProviderName, p.generate(messages, settings), messages, settings, false)
	return resp, nil
}

// Stream returns the same text Call would, split into word fragments.
func (p *SeededProvider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	_, stream := respond(ctx, SeededProviderName, p.generate(messages, settings), messages, settings, true)
	return stream, nil
}

func (p *SeededProvider) generate(messages []strand.Message, settings strand.Settings) string {
	call := p.calls.Add(1)

	h := fnv.New64a()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
		h.Write([]byte{0})
	}
	stream := h.Sum64()
	if settings.Temperature != 0 {
		stream ^= call
	}

	rng := rand.New(rand.NewPCG(p.seed, stream))
	words := make([]string, p.words)
	for i := range words {
		words[i] = vocabulary[rng.IntN(len(vocabulary))]
	}
	return strings.Join(words, " ")
}

// SequencedProvider returns responses in sequence.
// After all responses are exhausted, it returns the last response repeatedly.
type SequencedProvider struct {
	responses []string
	index     atomic.Int64
}

// NewSequencedProvider creates a provider that returns responses in order.
func NewSequencedProvider(responses ...string) *SequencedProvider {
	if len(responses) == 0 {
		responses = []string{"no responses configured"}
	}
	return &SequencedProvider{
		responses: responses,
	}
}

func (p *SequencedProvider) next() string {
	idx := int(p.index.Add(1) - 1)
	// Clamp to last response if exhausted
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return p.responses[idx]
}

// Call returns the next response in sequence.
func (p *SequencedProvider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
	resp, _ := respond(ctx, SequencedProviderName, p.next(), messages, settings, false)
	return resp, nil
}

// Stream streams the next response in sequence.
func (p *SequencedProvider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	_, stream := respond(ctx, SequencedProviderName, p.next(), messages, settings, true)
	return stream, nil
}

// Name returns the provider identifier.
func (*SequencedProvider) Name() string {
	return SequencedProviderName
}

// CallCount returns the number of calls made.
func (p *SequencedProvider) CallCount() int {
	return int(p.index.Load())
}

// Reset resets the call counter.
func (p *SequencedProvider) Reset() {
	p.index.Store(0)
}

// FailingProvider fails a specified number of times before succeeding.
type FailingProvider struct {
	failCount    int
	currentCount atomic.Int64
	successResp  string
	failErr      error
}

// NewFailingProvider creates a provider that fails failCount times then succeeds.
// Failures wrap strand.ErrTransport unless WithFailError says otherwise.
func NewFailingProvider(failCount int) *FailingProvider {
	return &FailingProvider{
		failCount:   failCount,
		successResp: "recovered",
		failErr:     fmt.Errorf("%w: simulated provider failure", strand.ErrTransport),
	}
}

// WithSuccessResponse sets the response returned after failures are exhausted.
func (p *FailingProvider) WithSuccessResponse(response string) *FailingProvider {
	p.successResp = response
	return p
}

// WithFailError sets the error returned by failing calls.
func (p *FailingProvider) WithFailError(err error) *FailingProvider {
	p.failErr = err
	return p
}

func (p *FailingProvider) attempt() error {
	count := p.currentCount.Add(1)
	if int(count) <= p.failCount {
		return fmt.Errorf("attempt %d/%d: %w", count, p.failCount, p.failErr)
	}
	return nil
}

// Call fails until failCount is reached, then succeeds.
func (p *FailingProvider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
	if err := p.attempt(); err != nil {
		return nil, err
	}
	resp, _ := respond(ctx, FailingProviderName, p.successResp, messages, settings, false)
	return resp, nil
}

// Stream fails to open until failCount is reached, then streams the success response.
func (p *FailingProvider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	if err := p.attempt(); err != nil {
		return nil, err
	}
	_, stream := respond(ctx, FailingProviderName, p.successResp, messages, settings, true)
	return stream, nil
}

// Name returns the provider identifier.
func (*FailingProvider) Name() string {
	return FailingProviderName
}

// CallCount returns the number of calls made.
func (p *FailingProvider) CallCount() int {
	return int(p.currentCount.Load())
}

// Reset resets the call counter.
func (p *FailingProvider) Reset() {
	p.currentCount.Store(0)
}

// RecordedCall represents a single call to a provider.
type RecordedCall struct {
	Messages []strand.Message
	Settings strand.Settings
	Stream   bool
}

// RecordingProvider wraps a provider and records all calls made to it.
type RecordingProvider struct {
	provider strand.Provider
	calls    []RecordedCall
	mu       sync.Mutex
}

// NewRecordingProvider wraps a provider with call recording.
func NewRecordingProvider(provider strand.Provider) *RecordingProvider {
	return &RecordingProvider{
		provider: provider,
		calls:    make([]RecordedCall, 0),
	}
}

func (r *RecordingProvider) record(messages []strand.Message, settings strand.Settings, stream bool) {
	// Copy messages to avoid aliasing
	msgCopy := make([]strand.Message, len(messages))
	copy(msgCopy, messages)

	r.mu.Lock()
	r.calls = append(r.calls, RecordedCall{Messages: msgCopy, Settings: settings, Stream: stream})
	r.mu.Unlock()
}

// Call delegates to the wrapped provider and records the call.
func (r *RecordingProvider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
	r.record(messages, settings, false)
	return r.provider.Call(ctx, messages, settings)
}

// Stream delegates to the wrapped provider and records the call.
func (r *RecordingProvider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	r.record(messages, settings, true)
	return r.provider.Stream(ctx, messages, settings)
}

// Name returns the wrapped provider's name.
func (r *RecordingProvider) Name() string {
	return r.provider.Name()
}

// Calls returns a copy of all recorded calls.
func (r *RecordingProvider) Calls() []RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]RecordedCall, len(r.calls))
	copy(calls, r.calls)
	return calls
}

// CallCount returns the number of calls recorded.
func (r *RecordingProvider) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// LastCall returns the most recent call, or nil if no calls made.
func (r *RecordingProvider) LastCall() *RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.calls) == 0 {
		return nil
	}
	call := r.calls[len(r.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (r *RecordingProvider) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make([]RecordedCall, 0)
}

// LatencyProvider wraps a provider and adds artificial latency.
type LatencyProvider struct {
	provider strand.Provider
	delay    time.Duration
}

// NewLatencyProvider wraps a provider with artificial delay.
// The delay is applied before each provider call and respects context cancellation.
func NewLatencyProvider(provider strand.Provider, delay time.Duration) *LatencyProvider {
	return &LatencyProvider{
		provider: provider,
		delay:    delay,
	}
}

func (p *LatencyProvider) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call adds latency then delegates to the wrapped provider.
func (p *LatencyProvider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.Call(ctx, messages, settings)
}

// Stream adds latency before the stream opens.
func (p *LatencyProvider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.provider.Stream(ctx, messages, settings)
}

// Name returns the wrapped provider's name.
func (p *LatencyProvider) Name() string {
	return p.provider.Name()
}

// UsageAccumulator tracks total token usage across multiple calls.
type UsageAccumulator struct {
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	totalTokens      atomic.Int64
	callCount        atomic.Int64
}

// NewUsageAccumulator creates a new usage accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{}
}

// Add accumulates usage from a session's last usage.
func (a *UsageAccumulator) Add(session *strand.Session) {
	a.AddUsage(session.LastUsage())
}

// AddUsage accumulates usage directly.
func (a *UsageAccumulator) AddUsage(usage *strand.TokenUsage) {
	if usage != nil {
		a.promptTokens.Add(int64(usage.Prompt))
		a.completionTokens.Add(int64(usage.Completion))
		a.totalTokens.Add(int64(usage.Total))
		a.callCount.Add(1)
	}
}

// PromptTokens returns total prompt tokens.
func (a *UsageAccumulator) PromptTokens() int {
	return int(a.promptTokens.Load())
}

// CompletionTokens returns total completion tokens.
func (a *UsageAccumulator) CompletionTokens() int {
	return int(a.completionTokens.Load())
}

// TotalTokens returns total tokens.
func (a *UsageAccumulator) TotalTokens() int {
	return int(a.totalTokens.Load())
}

// CallCount returns number of calls accumulated.
func (a *UsageAccumulator) CallCount() int {
	return int(a.callCount.Load())
}

// Reset clears all accumulated values.
func (a *UsageAccumulator) Reset() {
	a.promptTokens.Store(0)
	a.completionTokens.Store(0)
	a.totalTokens.Store(0)
	a.callCount.Store(0)
}

// TraceEvent is one trace signal captured by a TraceRecorder.
type TraceEvent struct {
	Signal capitan.Signal
	RunID  string
	Chain  string
	Step   string
	Output string
}

// TraceRecorder collects strand trace signals for a single chain name.
type TraceRecorder struct {
	chain  string
	mu     sync.Mutex
	events []TraceEvent
	notify chan struct{}
	stop   func()
}

// NewTraceRecorder starts recording trace signals emitted by the named chain.
// Call Close when done.
func NewTraceRecorder(chain string) *TraceRecorder {
	r := &TraceRecorder{chain: chain, notify: make(chan struct{}, 1)}
	observer := capitan.Observe(func(_ context.Context, e *capitan.Event) {
		if !isTrace(e.Signal()) {
			return
		}
		name, _ := strand.ChainKey.From(e)
		if name != r.chain {
			return
		}
		ev := TraceEvent{Signal: e.Signal(), Chain: name}
		ev.RunID, _ = strand.RunIDKey.From(e)
		ev.Step, _ = strand.StepKey.From(e)
		ev.Output, _ = strand.OutputKey.From(e)

		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
	r.stop = func() { observer.Close() }
	return r
}

func isTrace(signal capitan.Signal) bool {
	for _, s := range strand.TraceSignals {
		if s == signal {
			return true
		}
	}
	return false
}

// Events returns a copy of the recorded events.
func (r *TraceRecorder) Events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]TraceEvent, len(r.events))
	copy(events, r.events)
	return events
}

// Count returns how many events of signal were recorded.
func (r *TraceRecorder) Count(signal capitan.Signal) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Signal == signal {
			n++
		}
	}
	return n
}

// WaitFor blocks until n events of signal have been recorded or timeout elapses.
func (r *TraceRecorder) WaitFor(signal capitan.Signal, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Count(signal) >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Count(signal) >= n
		}
	}
}

// Close stops recording.
func (r *TraceRecorder) Close() {
	r.stop()
}
