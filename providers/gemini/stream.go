package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/strand"
	"github.com/zoobzio/strand/internal/sse"
)

// Stream calls streamGenerateContent with alt=sse. Gemini has no terminal
// event; the stream is complete when a candidate carries a finish reason and
// the body ends.
func (p *Provider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	startTime := time.Now()

	model, requestBody, err := p.buildRequest(messages, settings)
	if err != nil {
		p.emitFailed(ctx, model, 0, startTime, err)
		return nil, err
	}

	capitan.Info(ctx, strand.ProviderCallStarted,
		strand.ProviderKey.Field(p.name),
		strand.ModelKey.Field(model),
	)

	ctx, cancel := context.WithCancel(ctx)
	resp, err := p.send(ctx, p.streamClient, model, "streamGenerateContent", requestBody)
	if err != nil {
		cancel()
		p.emitFailed(ctx, model, 0, startTime, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		apiErr := p.decodeError(resp.StatusCode, body)
		p.emitFailed(ctx, model, resp.StatusCode, startTime, apiErr)
		return nil, apiErr
	}

	chunks := make(chan strand.Chunk)
	go p.streamResponse(ctx, resp.Body, chunks, model, startTime)
	return strand.NewStream(chunks, cancel), nil
}

func (p *Provider) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- strand.Chunk, model string, start time.Time) {
	defer close(out)
	defer body.Close()

	send := func(c strand.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		p.emitFailed(ctx, model, http.StatusOK, start, err)
		send(strand.Chunk{Err: err})
	}

	var finishReason string
	var usage strand.TokenUsage
	if !send(strand.Chunk{Model: model}) {
		return
	}

	scanner := sse.NewScanner(body)
	for scanner.Scan() {
		var chunk generateContentResponse
		if err := json.Unmarshal([]byte(scanner.Data()), &chunk); err != nil {
			fail(fmt.Errorf("%w: failed to parse stream chunk: %w", strand.ErrMalformedResponse, err))
			return
		}

		next := strand.Chunk{}
		if len(chunk.Candidates) > 0 {
			next.Text = chunk.Candidates[0].text()
			if chunk.Candidates[0].FinishReason != "" {
				finishReason = chunk.Candidates[0].FinishReason
				next.StopReason = finishReason
			}
		}
		if chunk.UsageMetadata.TotalTokenCount > 0 {
			usage = chunk.UsageMetadata.tokenUsage()
			next.Usage = &usage
		}
		if !send(next) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		fail(fmt.Errorf("%w: stream read failed: %w", strand.ErrTransport, err))
		return
	}
	if finishReason == "" {
		fail(fmt.Errorf("%w: stream ended without a finish reason", strand.ErrTransport))
		return
	}
	p.emitCompleted(ctx, model, finishReason, usage, http.StatusOK, start)
}
