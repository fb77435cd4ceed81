package trace

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/strand"
)

// syncBuffer guards a bytes.Buffer written from hook goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*Logger, *syncBuffer) {
	buf := &syncBuffer{}
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(log), buf
}

func waitFor(t *testing.T, buf *syncBuffer, needle string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), needle) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %q in trace output:\n%s", needle, buf.String())
}

func jokeTemplate(t *testing.T) *strand.Template {
	t.Helper()
	tmpl, err := strand.NewTemplate(
		strand.System("You are a comedian."),
		strand.Human("Tell me a joke about {topic}"),
	)
	if err != nil {
		t.Fatalf("NewTemplate failed: %v", err)
	}
	return tmpl
}

func TestLoggerInvoke(t *testing.T) {
	logger, buf := newTestLogger()
	defer logger.Close()

	chain, err := strand.NewChain(jokeTemplate(t), strand.NewMockProvider(), strand.StringParser{},
		strand.WithName("trace-invoke"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Invoke(context.Background(), map[string]any{"topic": "bears"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	waitFor(t, buf, "[chain/end] [strand:trace-invoke]")
	for _, label := range []string{"[chain/start]", "[prompt/end]", "[llm/start]", "[llm/end]", "[parser/end]"} {
		waitFor(t, buf, label+" [strand:trace-invoke]")
	}

	out := buf.String()
	if !strings.Contains(out, "Tell me a joke about bears") {
		t.Errorf("Expected formatted prompt in trace, got:\n%s", out)
	}
	if !strings.Contains(out, "run_id=") {
		t.Errorf("Expected run_id attribute, got:\n%s", out)
	}
}

func TestLoggerStream(t *testing.T) {
	logger, buf := newTestLogger()
	defer logger.Close()

	chain, err := strand.NewChain(jokeTemplate(t), strand.NewMockProviderWithResponse("why did the bear"), strand.StringParser{},
		strand.WithName("trace-stream"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	stream, err := chain.Stream(context.Background(), map[string]any{"topic": "bears"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if _, err := stream.Collect(); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	waitFor(t, buf, "[chain/end] [strand:trace-stream]")
	waitFor(t, buf, "[llm/chunk] [strand:trace-stream]")
	waitFor(t, buf, "mode=stream")
}

func TestLoggerError(t *testing.T) {
	logger, buf := newTestLogger()
	defer logger.Close()

	provider := strand.NewMockProviderWithCallback(func([]strand.Message, strand.Settings) (string, error) {
		return "", errors.New("model unavailable")
	})
	chain, err := strand.NewChain(jokeTemplate(t), provider, strand.StringParser{},
		strand.WithName("trace-error"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Invoke(context.Background(), map[string]any{"topic": "bears"}); err == nil {
		t.Fatal("Expected error")
	}

	waitFor(t, buf, "[chain/error] [strand:trace-error]")
	waitFor(t, buf, "model unavailable")
	waitFor(t, buf, "level=ERROR")
}

func TestLoggerIgnoresQuietChains(t *testing.T) {
	logger, buf := newTestLogger()
	defer logger.Close()

	quiet, err := strand.NewChain(jokeTemplate(t), strand.NewMockProvider(), strand.StringParser{},
		strand.WithName("trace-quiet"),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	loud, err := strand.NewChain(jokeTemplate(t), strand.NewMockProvider(), strand.StringParser{},
		strand.WithName("trace-loud"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}

	values := map[string]any{"topic": "bears"}
	if _, err := quiet.Invoke(context.Background(), values); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if _, err := loud.Invoke(context.Background(), values); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	// The loud chain runs second, so its chain/end arrives after anything the
	// quiet chain could have emitted on the same signal.
	waitFor(t, buf, "[chain/end] [strand:trace-loud]")
	if strings.Contains(buf.String(), "trace-quiet") {
		t.Errorf("Expected no trace output for a chain without debug, got:\n%s", buf.String())
	}
}

func TestLoggerClose(t *testing.T) {
	logger, buf := newTestLogger()
	logger.Close()
	logger.Close()

	chain, err := strand.NewChain(jokeTemplate(t), strand.NewMockProvider(), strand.StringParser{},
		strand.WithName("trace-closed"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Invoke(context.Background(), map[string]any{"topic": "bears"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if strings.Contains(buf.String(), "trace-closed") {
		t.Errorf("Expected no output after Close, got:\n%s", buf.String())
	}
}

func TestLoggerCloseWritesInStepOrder(t *testing.T) {
	logger, buf := newTestLogger()

	chain, err := strand.NewChain(jokeTemplate(t), strand.NewMockProvider(), strand.StringParser{},
		strand.WithName("trace-order"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := chain.Invoke(context.Background(), map[string]any{"topic": "bears"}); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	logger.Close()

	out := buf.String()
	if n := strings.Count(out, "[chain/end] [strand:trace-order]"); n != 3 {
		t.Fatalf("Expected 3 chain/end records after Close, got %d:\n%s", n, out)
	}
	// Runs may interleave, so check the order within the first run's lines.
	runID := strings.Fields(between(out, "run_id=", "\n"))[0]
	var labels []string
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "run_id="+runID) {
			labels = append(labels, between(line, "msg=\"[", "]"))
		}
	}
	want := []string{"chain/start", "prompt/end", "llm/start", "llm/end", "parser/end", "chain/end"}
	if strings.Join(labels, ",") != strings.Join(want, ",") {
		t.Errorf("Expected steps %v, got %v", want, labels)
	}
}

func TestLoggerFlush(t *testing.T) {
	logger, buf := newTestLogger()
	defer logger.Close()

	chain, err := strand.NewChain(jokeTemplate(t), strand.NewMockProvider(), strand.StringParser{},
		strand.WithName("trace-flush"),
		strand.WithDebug(true),
	)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	if _, err := chain.Invoke(context.Background(), map[string]any{"topic": "bears"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if err := logger.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !strings.Contains(buf.String(), "[chain/end] [strand:trace-flush]") {
		t.Errorf("Expected chain/end written by Flush, got:\n%s", buf.String())
	}
}

// between returns the text after the first prefix up to the next end.
func between(s, prefix, end string) string {
	_, rest, ok := strings.Cut(s, prefix)
	if !ok {
		return ""
	}
	v, _, _ := strings.Cut(rest, end)
	return v
}
