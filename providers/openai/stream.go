package openai

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

const doneSentinel = "[DONE]"

// Stream sends messages with stream=true and returns content deltas as they arrive.
func (p *Provider) Stream(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.Stream, error) {
	startTime := time.Now()

	requestBody, err := p.buildRequest(messages, settings, true)
	if err != nil {
		p.emitFailed(ctx, requestBody.Model, 0, startTime, err)
		return nil, err
	}

	capitan.Info(ctx, strand.ProviderCallStarted,
		strand.ProviderKey.Field(p.name),
		strand.ModelKey.Field(requestBody.Model),
	)

	ctx, cancel := context.WithCancel(ctx)
	resp, err := p.send(ctx, p.streamClient, requestBody)
	if err != nil {
		cancel()
		p.emitFailed(ctx, requestBody.Model, 0, startTime, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		apiErr := p.decodeError(resp.StatusCode, body)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, apiErr)
		return nil, apiErr
	}

	chunks := make(chan strand.Chunk)
	go p.streamResponse(ctx, resp.Body, chunks, requestBody.Model, startTime)
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

	var id, finishReason string
	var usage strand.TokenUsage
	first := true

	scanner := sse.NewScanner(body)
	for scanner.Scan() {
		data := scanner.Data()
		if data == doneSentinel {
			p.emitCompleted(ctx, model, id, finishReason, usage, http.StatusOK, start)
			return
		}

		var chunk chatCompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			fail(fmt.Errorf("%w: failed to parse stream chunk: %w", strand.ErrMalformedResponse, err))
			return
		}

		next := strand.Chunk{}
		if first {
			id = chunk.ID
			if chunk.Model != "" {
				model = chunk.Model
			}
			next.ID = id
			next.Model = model
			first = false
		}
		if len(chunk.Choices) > 0 {
			next.Text = chunk.Choices[0].Delta.Content
			if chunk.Choices[0].FinishReason != "" {
				finishReason = chunk.Choices[0].FinishReason
				next.StopReason = finishReason
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = strand.TokenUsage{
				Prompt:     chunk.Usage.PromptTokens,
				Completion: chunk.Usage.CompletionTokens,
				Total:      chunk.Usage.TotalTokens,
			}
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
	fail(fmt.Errorf("%w: stream ended before [DONE]", strand.ErrTransport))
}
