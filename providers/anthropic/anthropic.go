// Package anthropic implements a strand Provider for the Anthropic Messages API.
package anthropic

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
	DefaultModel     = "claude-3-5-sonnet-20240620"
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 1024
	DefaultTimeout   = 60 * time.Second
)

// Environment variables read by FromEnv.
const (
	EnvAPIKey  = "ANTHROPIC_API_KEY"
	EnvBaseURL = "ANTHROPIC_BASE_URL"
	EnvModel   = "ANTHROPIC_MODEL"
)

// Provider implements the strand Provider interface for the Anthropic API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	version      string
	maxTokens    int
	httpClient   *http.Client
	streamClient *http.Client
	name         string
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey     string
	Model      string        // e.g. "claude-3-5-sonnet-20240620", "claude-3-5-haiku-20241022"
	BaseURL    string        // Optional, defaults to "https://api.anthropic.com"
	Version    string        // Optional, defaults to "2023-06-01"
	MaxTokens  int           // Optional, defaults to 1024
	Timeout    time.Duration // Optional, bounds synchronous calls; defaults to 60s
	HTTPClient *http.Client  // Optional, its Transport is reused for streams
}

// FromEnv returns a Config populated from ANTHROPIC_API_KEY, ANTHROPIC_BASE_URL
// and ANTHROPIC_MODEL. Call strand.LoadEnv first to pick up a .env file.
func FromEnv() Config {
	return Config{
		APIKey:  os.Getenv(EnvAPIKey),
		BaseURL: os.Getenv(EnvBaseURL),
		Model:   os.Getenv(EnvModel),
	}
}

// New creates a new Anthropic provider.
// A missing API key is reported by the first Call or Stream, before any
// request is sent.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Version == "" {
		config.Version = DefaultVersion
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	var transport http.RoundTripper
	if config.HTTPClient != nil {
		transport = config.HTTPClient.Transport
	}

	return &Provider{
		apiKey:    config.APIKey,
		model:     config.Model,
		baseURL:   strings.TrimSuffix(config.BaseURL, "/"),
		version:   config.Version,
		maxTokens: config.MaxTokens,
		name:      "anthropic",
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		// Streams are bounded by the caller's context, not a fixed timeout.
		streamClient: &http.Client{Transport: transport},
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Model returns the default model.
func (p *Provider) Model() string {
	return p.model
}

// Call sends messages to Anthropic and returns the complete response.
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

	var messagesResp messagesResponse
	if err := json.Unmarshal(body, &messagesResp); err != nil {
		err = fmt.Errorf("%w: failed to parse response: %w", strand.ErrMalformedResponse, err)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, err)
		return nil, err
	}
	if messagesResp.Type != "" && messagesResp.Type != "message" {
		err := fmt.Errorf("%w: unexpected response type %q", strand.ErrMalformedResponse, messagesResp.Type)
		p.emitFailed(ctx, requestBody.Model, resp.StatusCode, startTime, err)
		return nil, err
	}

	// Extract text from content blocks
	var content strings.Builder
	for _, block := range messagesResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	usage := strand.TokenUsage{
		Prompt:     messagesResp.Usage.InputTokens,
		Completion: messagesResp.Usage.OutputTokens,
		Total:      messagesResp.Usage.InputTokens + messagesResp.Usage.OutputTokens,
	}
	p.emitCompleted(ctx, messagesResp.Model, messagesResp.ID, messagesResp.StopReason, usage, resp.StatusCode, startTime)

	return &strand.ProviderResponse{
		ID:         messagesResp.ID,
		Model:      messagesResp.Model,
		Content:    content.String(),
		StopReason: messagesResp.StopReason,
		Usage:      usage,
		Metadata: map[string]any{
			"role":          messagesResp.Role,
			"stop_sequence": messagesResp.StopSequence,
		},
	}, nil
}

// buildRequest converts strand messages and settings to the API shape.
// System messages are lifted into the top-level system field.
func (p *Provider) buildRequest(messages []strand.Message, settings strand.Settings, stream bool) (messagesRequest, error) {
	req := messagesRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Stream:    stream,
	}
	if settings.Model != "" {
		req.Model = settings.Model
	}
	if settings.MaxTokens > 0 {
		req.MaxTokens = settings.MaxTokens
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

	var systemParts []string
	for _, msg := range messages {
		if msg.Role == strand.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		req.Messages = append(req.Messages, message{Role: msg.Role, Content: msg.Content})
	}
	if len(systemParts) > 0 {
		req.System = strings.Join(systemParts, "\n\n")
	}
	if len(req.Messages) == 0 {
		return req, fmt.Errorf("%w: at least one non-system message is required", strand.ErrInvalidSettings)
	}
	return req, nil
}

func (p *Provider) send(ctx context.Context, client *http.Client, body messagesRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.version)
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

func (p *Provider) emitCompleted(ctx context.Context, model, id, stopReason string, usage strand.TokenUsage, status int, start time.Time) {
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
	if stopReason != "" {
		fields = append(fields, strand.ResponseFinishReasonKey.Field(stopReason))
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

// Request/Response types for Anthropic API

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float32  `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []contentBlock `json:"content"`
	StopReason   string         `json:"stop_reason"`
	StopSequence string         `json:"stop_sequence"`
	Usage        usage          `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Type  string   `json:"type"`
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
