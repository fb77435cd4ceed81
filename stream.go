package strand

import (
	"context"
	"iter"
	"strings"
)

// Chunk is one event produced by a streaming provider.
// Text carries a fragment; the other fields carry metadata as it becomes known.
type Chunk struct {
	Text       string
	ID         string
	Model      string
	StopReason string
	Usage      *TokenUsage
	Err        error
}

// Stream is a lazy, finite sequence of text fragments in generation order.
// It cannot be restarted and is meant for a single consumer.
//
//	for stream.Next() {
//	    fmt.Print(stream.Text())
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream struct {
	chunks <-chan Chunk
	cancel context.CancelFunc

	current string
	content strings.Builder
	resp    ProviderResponse
	err     error
	done    bool

	onFragment func(string)
	onFinish   func(*ProviderResponse, error)
}

// NewStream wraps a chunk channel. The producer must close chunks when it is
// finished and must stop sending once the context behind cancel is done.
func NewStream(chunks <-chan Chunk, cancel context.CancelFunc) *Stream {
	return &Stream{chunks: chunks, cancel: cancel}
}

// StreamFragments returns a stream that yields the given fragments followed by
// the metadata in meta. Stub providers use it to mirror their Call output.
func StreamFragments(ctx context.Context, fragments []string, meta ProviderResponse) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		send := func(c Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(Chunk{ID: meta.ID, Model: meta.Model}) {
			return
		}
		for _, f := range fragments {
			if !send(Chunk{Text: f}) {
				return
			}
		}
		usage := meta.Usage
		send(Chunk{StopReason: meta.StopReason, Usage: &usage})
	}()
	return NewStream(ch, cancel)
}

// Next advances to the next fragment. It returns false when the stream is
// exhausted, failed or closed.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		chunk, ok := <-s.chunks
		if !ok {
			s.finish(nil)
			return false
		}
		s.absorb(chunk)
		if chunk.Err != nil {
			s.finish(chunk.Err)
			return false
		}
		if chunk.Text == "" {
			continue
		}
		s.current = chunk.Text
		s.content.WriteString(chunk.Text)
		if s.onFragment != nil {
			s.onFragment(chunk.Text)
		}
		return true
	}
}

// Text returns the fragment produced by the last successful Next.
func (s *Stream) Text() string {
	return s.current
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error {
	return s.err
}

// Response returns the aggregate response once the stream has finished.
// Its Content equals the concatenation of every fragment.
func (s *Stream) Response() *ProviderResponse {
	if !s.done {
		return nil
	}
	resp := s.resp
	return &resp
}

// Collect reads the remaining fragments and returns the full text.
func (s *Stream) Collect() (string, error) {
	for s.Next() {
	}
	return s.content.String(), s.err
}

// All returns an iterator over the remaining fragments.
// Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq[string] {
	return func(yield func(string) bool) {
		for s.Next() {
			if !yield(s.Text()) {
				_ = s.Close()
				return
			}
		}
	}
}

// Close cancels the underlying request and releases the producer.
// Closing a finished stream is a no-op.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	for range s.chunks {
	}
	s.done = true
	s.current = ""
	s.resp.Content = s.content.String()
	if s.onFinish != nil {
		s.onFinish(s.Response(), ErrStreamClosed)
	}
	return nil
}

func (s *Stream) absorb(c Chunk) {
	if c.ID != "" {
		s.resp.ID = c.ID
	}
	if c.Model != "" {
		s.resp.Model = c.Model
	}
	if c.StopReason != "" {
		s.resp.StopReason = c.StopReason
	}
	if c.Usage != nil {
		if c.Usage.Prompt > 0 {
			s.resp.Usage.Prompt = c.Usage.Prompt
		}
		if c.Usage.Completion > 0 {
			s.resp.Usage.Completion = c.Usage.Completion
		}
		s.resp.Usage.Total = s.resp.Usage.Prompt + s.resp.Usage.Completion
	}
}

func (s *Stream) finish(err error) {
	s.done = true
	s.err = err
	s.current = ""
	s.resp.Content = s.content.String()
	if s.cancel != nil {
		s.cancel()
	}
	if err != nil {
		// unblock a producer still trying to send
		go func() {
			for range s.chunks {
			}
		}()
	}
	if s.onFinish != nil {
		s.onFinish(s.Response(), err)
	}
}
