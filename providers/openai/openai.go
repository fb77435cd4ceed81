// Package openai implements a strand Provider for OpenAI-compatible chat
// completion APIs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/strand"
)

// Defaults applied by New.
const (
	DefaultModel   = "gpt-4o-mini"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 60 * time.Second
)

// Environment variables read by FromEnv.
const (
	EnvAPIKey  = "OPENAI_API_KEY"
	EnvBaseURL = "OPENAI_BASE_URL"
	EnvModel   = "OPENAI_MODEL"
)

// Provider implements the strand Provider interface for OpenAI.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	name         string
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	APIKey     string
	Model      string        // e.g. "gpt-4o", "gpt-4o-mini"
	BaseURL    string        // Optional, defaults to "https://api.openai.com/v1"
	Timeout    time.Duration // Optional, bounds synchronous calls; defaults to 60s
	HTTPClient *http.Client  // Optional, its Transport is reused for streams
}

// FromEnv returns a Config populated from OPENAI_API_KEY, OPENAI_BASE_URL and
// OPENAI_MODEL.
func FromEnv() Config {
	return Config{
		APIKey:  os.Getenv(EnvAPIKey),
		BaseURL: os.Getenv(EnvBaseURL),
		Model:   os.Getenv(EnvModel),
	}
}

// New creates a new OpenAI provider.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	var transport http.RoundTripper
	if config.HTTPClient != nil {
		transport = config.HTTPClient.Transport
	}

	return &Provider{
		apiKey:  config.APIKey,
		model:   config.Model,
		baseURL: strings.TrimSuffix(config.BaseURL, "/"),
		name:    "openai",
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		streamClient: &http.Client{Transport: transport},
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Call sends messages to OpenAI and returns the complete response.
func (p *Provider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
	startTime := time.Now()

	requestBody, err := p.buildRequest(messages, settings, false)
	if err != nil {
		p.emitFailed(ctx, requestBody.Model, 0, startTime, err)
		return nil, err
	}

	capitan.Info(ctx, strand.ProviderCallStarted,
		strand.ProviderKey.Field(p.name),
		strand.ModelKey.Field(requestBody.Model),
	)

	resp, err := p.send(ctx, p.httpClient, requestBody)
	if err != nil {
		p.emitFailed(ctx, requestBody.Model, 0, startTime, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: failed to read response: %w", strand.ErrTransport, err)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := p.decodeError(resp.StatusCode, body)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, apiErr)
		return nil, apiErr
	}

	var completionResp chatCompletionResponse
	if err := json.Unmarshal(body, &completionResp); err != nil {
		err = fmt.Errorf("%w: failed to parse response: %w", strand.ErrMalformedResponse, err)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, err)
		return nil, err
	}
	if len(completionResp.Choices) == 0 {
		err := fmt.Errorf("%w: no response choices returned", strand.ErrMalformedResponse)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, err)
		return nil, err
	}

	choice := completionResp.Choices[0]
	usage := strand.TokenUsage{
		Prompt:     completionResp.Usage.PromptTokens,
		Completion: completionResp.Usage.CompletionTokens,
		Total:      completionResp.Usage.TotalTokens,
	}
	p.emitCompleted(ctx, completionResp.Model, completionResp.ID, choice.FinishReason, usage, resp.StatusCode, startTime)

	return &strand.ProviderResponse{
		ID:         completionResp.ID,
		Model:      completionResp.Model,
		Content:    choice.Message.Content,
		StopReason: choice.FinishReason,
		Usage:      usage,
		Metadata: map[string]any{
			"created": completionResp.Created,
			"object":  completionResp.Object,
		},
	}, nil
}

func (p *Provider) buildRequest(messages []strand.Message, settings strand.Settings, stream bool) (chatCompletionRequest, error) {
	req := chatCompletionRequest{
		Model:  p.model,
		Stream: stream,
	}
	if settings.Model != "" {
		req.Model = settings.Model
	}
	if p.apiKey == "" {
		return req, strand.ErrMissingAPIKey
	}
	if err := settings.Validate(); err != nil {
		return req, err
	}
	if settings.HasTemperature() {
		t := settings.Temperature
		req.Temperature = &t
	}
	if settings.MaxTokens > 0 {
		req.MaxTokens = settings.MaxTokens
	}
	if stream {
		req.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	req.Messages = make([]message, len(messages))
	for i, msg := range messages {
		req.Messages[i] = message{Role: msg.Role, Content: msg.Content}
	}
	return req, nil
}

func (p *Provider) send(ctx context.Context, client *http.Client, body chatCompletionRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", strand.ErrTransport, err)
	}
	return resp, nil
}

func (p *Provider) decodeError(statusCode int, body []byte) *strand.APIError {
	apiErr := &strand.APIError{Provider: p.name, StatusCode: statusCode}
	var errorResp errorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		apiErr.Type = errorResp.Error.Type
		apiErr.Message = errorResp.Error.Message
	}
	return apiErr
}

func (p *Provider) emitCompleted(ctx context.Context, model, id, finishReason string, usage strand.TokenUsage, status int, start time.Time) {
	fields := []capitan.Field{
		strand.ProviderKey.Field(p.name),
		strand.ModelKey.Field(model),
		strand.PromptTokensKey.Field(usage.Prompt),
		strand.CompletionTokensKey.Field(usage.Completion),
		strand.TotalTokensKey.Field(usage.Total),
		strand.DurationMsKey.Field(int(time.Since(start).Milliseconds())),
		strand.HTTPStatusCodeKey.Field(status),
		strand.ResponseIDKey.Field(id),
	}
	if finishReason != "" {
		fields = append(fields, strand.ResponseFinishReasonKey.Field(finishReason))
	}
	capitan.Info(ctx, strand.ProviderCallCompleted, fields...)
}

func (p *Provider) emitFailed(ctx context.Context, model string, status int, start time.Time, err error) {
	fields := []capitan.Field{
		strand.ProviderKey.Field(p.name),
		strand.ModelKey.Field(model),
		strand.DurationMsKey.Field(int(time.Since(start).Milliseconds())),
		strand.ErrorKey.Field(err.Error()),
	}
	if status != 0 {
		fields = append(fields, strand.HTTPStatusCodeKey.Field(status))
	}
	var apiErr *strand.APIError
	if errors.As(err, &apiErr) && apiErr.Type != "" {
		fields = append(fields, strand.APIErrorTypeKey.Field(apiErr.Type))
	}
	capitan.Error(ctx, strand.ProviderCallFailed, fields...)
}

// Request/Response types for OpenAI API

type chatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Temperature   *float32       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      message `json:"message"`
	Delta        message `json:"delta"`
	FinishReason string  `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
