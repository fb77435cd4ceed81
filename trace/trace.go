// Package trace renders the debug trace of strand chains as structured log lines.
//
// Chains only emit trace signals when built with strand.WithDebug(true). A
// Logger subscribes to those signals and writes one record per step:
//
//	logger := trace.New(slog.Default())
//	defer logger.Close() // flushes records still in flight
//
//	[chain/start] [strand:jokes] Entering chain run with input: {"topic":"bears"}
//	[llm/start] [strand:jokes] Entering LLM run with input: ...
//	[llm/end] [strand:jokes] Exiting LLM run with output: ...
//	[chain/end] [strand:jokes] Exiting chain run with output: ...
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/strand"
)

type step struct {
	label  string
	format string
	level  slog.Level
}

var steps = map[capitan.Signal]step{
	strand.TraceChainStart:  {"chain/start", "Entering chain run with input: %s", slog.LevelInfo},
	strand.TracePromptEnd:   {"prompt/end", "Exiting prompt run with output: %s", slog.LevelInfo},
	strand.TraceLLMStart:    {"llm/start", "Entering LLM run with input: %s", slog.LevelInfo},
	strand.TraceStreamChunk: {"llm/chunk", "New token: %s", slog.LevelDebug},
	strand.TraceLLMEnd:      {"llm/end", "Exiting LLM run with output: %s", slog.LevelInfo},
	strand.TraceParserEnd:   {"parser/end", "Exiting parser run with output: %s", slog.LevelInfo},
	strand.TraceChainEnd:    {"chain/end", "Exiting chain run with output: %s", slog.LevelInfo},
	strand.TraceChainError:  {"chain/error", "Chain run errored with error: %s", slog.LevelError},
}

// Logger writes trace signals to a slog.Logger until closed.
//
// capitan delivers each signal on its own worker, so records can arrive out of
// step order. Logger holds them back per run and writes them in the order the
// chain emitted them.
type Logger struct {
	log      *slog.Logger
	observer *capitan.Observer

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	once   sync.Once
}

type run struct {
	next    int
	pending map[int]record
}

type record struct {
	ctx   context.Context
	level slog.Level
	msg   string
	attrs []slog.Attr
	last  bool
}

// New subscribes to every strand trace signal and logs it to log.
// A nil log uses slog.Default().
func New(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{log: log, runs: make(map[string]*run)}
	l.observer = capitan.Observe(l.handle, strand.TraceSignals...)
	return l
}

// Flush blocks until every trace event emitted before the call has been
// written, or ctx is done. Records still waiting on a step that never
// arrived are written in step order.
func (l *Logger) Flush(ctx context.Context) error {
	if err := l.observer.Drain(ctx); err != nil {
		return fmt.Errorf("trace: flush: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushPending()
	return nil
}

// Close flushes pending records and unsubscribes the logger. It is safe to
// call more than once.
func (l *Logger) Close() {
	l.once.Do(func() {
		_ = l.Flush(context.Background())
		l.observer.Close()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.flushPending()
		l.closed = true
	})
}

func (l *Logger) handle(ctx context.Context, e *capitan.Event) {
	st, ok := steps[e.Signal()]
	if !ok {
		return
	}

	chain, _ := strand.ChainKey.From(e)
	rec := record{
		ctx:   ctx,
		level: st.level,
		msg:   fmt.Sprintf("[%s] [strand:%s] ", st.label, chain) + fmt.Sprintf(st.format, payload(e)),
		attrs: attrs(e),
		last:  e.Signal() == strand.TraceChainEnd || e.Signal() == strand.TraceChainError,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	id, hasRun := strand.RunIDKey.From(e)
	seq, hasSeq := strand.SeqKey.From(e)
	if !hasRun || !hasSeq {
		l.write(rec)
		return
	}

	r := l.runs[id]
	if r == nil {
		r = &run{next: 1, pending: make(map[int]record)}
		l.runs[id] = r
	}
	r.pending[seq] = rec
	for {
		next, ready := r.pending[r.next]
		if !ready {
			return
		}
		delete(r.pending, r.next)
		r.next++
		l.write(next)
		if next.last {
			delete(l.runs, id)
			return
		}
	}
}

// flushPending writes held-back records in step order. Callers hold l.mu.
func (l *Logger) flushPending() {
	for id, r := range l.runs {
		for _, seq := range slices.Sorted(maps.Keys(r.pending)) {
			l.write(r.pending[seq])
		}
		delete(l.runs, id)
	}
}

func (l *Logger) write(rec record) {
	l.log.LogAttrs(rec.ctx, rec.level, rec.msg, rec.attrs...)
}

// payload picks the field that describes the step's input or output.
func payload(e *capitan.Event) string {
	switch e.Signal() {
	case strand.TraceChainStart:
		v, _ := strand.InputKey.From(e)
		return v
	case strand.TracePromptEnd, strand.TraceLLMStart:
		v, _ := strand.MessagesKey.From(e)
		return v
	case strand.TraceStreamChunk:
		v, _ := strand.ChunkKey.From(e)
		return v
	case strand.TraceChainError:
		v, _ := strand.ErrorKey.From(e)
		return v
	default:
		v, _ := strand.OutputKey.From(e)
		return v
	}
}

func attrs(e *capitan.Event) []slog.Attr {
	var out []slog.Attr
	if v, ok := strand.RunIDKey.From(e); ok {
		out = append(out, slog.String("run_id", v))
	}
	if v, ok := strand.StepKey.From(e); ok {
		out = append(out, slog.String("step", v))
	}
	if v, ok := strand.ModeKey.From(e); ok {
		out = append(out, slog.String("mode", v))
	}
	if v, ok := strand.ProviderKey.From(e); ok {
		out = append(out, slog.String("provider", v))
	}
	if v, ok := strand.ModelKey.From(e); ok && v != "" {
		out = append(out, slog.String("model", v))
	}
	if v, ok := strand.TemperatureKey.From(e); ok && v >= 0 {
		out = append(out, slog.Float64("temperature", v))
	}
	if v, ok := strand.MaxTokensKey.From(e); ok && v > 0 {
		out = append(out, slog.Int("max_tokens", v))
	}
	if v, ok := strand.TotalTokensKey.From(e); ok && v > 0 {
		out = append(out, slog.Int("total_tokens", v))
	}
	if v, ok := strand.ResponseFinishReasonKey.From(e); ok && v != "" {
		out = append(out, slog.String("finish_reason", v))
	}
	if v, ok := strand.ErrorTypeKey.From(e); ok {
		out = append(out, slog.String("error_type", v))
	}
	return out
}
