package anthropic

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

// Stream sends messages to Anthropic with stream=true and returns the text
// deltas as they arrive.
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

// streamResponse reads the SSE body and forwards it as chunks until
// message_stop, an error event, or cancellation.
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

	var id, stopReason string
	var usage strand.TokenUsage

	scanner := sse.NewScanner(body)
	for scanner.Scan() {
		data := []byte(scanner.Data())

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			fail(fmt.Errorf("%w: failed to parse stream event: %w", strand.ErrMalformedResponse, err))
			return
		}

		switch event.Type {
		case "message_start":
			if event.Message == nil {
				continue
			}
			id = event.Message.ID
			if event.Message.Model != "" {
				model = event.Message.Model
			}
			usage.Prompt = event.Message.Usage.InputTokens
			if !send(strand.Chunk{
				ID:    id,
				Model: model,
				Usage: &strand.TokenUsage{Prompt: usage.Prompt},
			}) {
				return
			}

		case "content_block_delta":
			if event.Delta == nil || event.Delta.Type != "text_delta" || event.Delta.Text == "" {
				continue
			}
			if !send(strand.Chunk{Text: event.Delta.Text}) {
				return
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.Completion = event.Usage.OutputTokens
			}
			if !send(strand.Chunk{
				StopReason: stopReason,
				Usage:      &strand.TokenUsage{Completion: usage.Completion},
			}) {
				return
			}

		case "message_stop":
			usage.Total = usage.Prompt + usage.Completion
			p.emitCompleted(ctx, model, id, stopReason, usage, http.StatusOK, start)
			return

		case "error":
			apiErr := &strand.APIError{Provider: p.name}
			if event.Error != nil {
				apiErr.Type = event.Error.Type
				apiErr.Message = event.Error.Message
			}
			fail(apiErr)
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
	fail(fmt.Errorf("%w: stream ended before message_stop", strand.ErrTransport))
}

// streamEvent covers every Messages API stream event; fields are set
// depending on Type.
type streamEvent struct {
	Type    string            `json:"type"`
	Message *messagesResponse `json:"message,omitempty"`
	Delta   *streamDelta      `json:"delta,omitempty"`
	Usage   *usage            `json:"usage,omitempty"`
	Error   *apiError         `json:"error,omitempty"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}
