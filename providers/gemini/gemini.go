// Package gemini implements a strand Provider for the Google Gemini API.
package gemini

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
	DefaultModel   = "gemini-1.5-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	DefaultTimeout = 30 * time.Second
)

// Environment variables read by FromEnv.
const (
	EnvAPIKey = "GEMINI_API_KEY"
	EnvModel  = "GEMINI_MODEL"
)

// Provider implements the strand Provider interface for Google Gemini API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	name         string
}

// Config holds configuration for the Gemini provider.
type Config struct {
	APIKey     string
	Model      string        // e.g. "gemini-1.5-flash", "gemini-1.5-pro"
	BaseURL    string        // Optional, defaults to "https://generativelanguage.googleapis.com/v1beta"
	Timeout    time.Duration // Optional, defaults to 30s
	HTTPClient *http.Client  // Optional, its Transport is reused for streams
}

// FromEnv returns a Config populated from GEMINI_API_KEY and GEMINI_MODEL.
func FromEnv() Config {
	return Config{
		APIKey: os.Getenv(EnvAPIKey),
		Model:  os.Getenv(EnvModel),
	}
}

// New creates a new Gemini provider.
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
		name:    "gemini",
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

// Call sends messages to Gemini and returns the response with usage stats.
func (p *Provider) Call(ctx context.Context, messages []strand.Message, settings strand.Settings) (*strand.ProviderResponse, error) {
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

	resp, err := p.send(ctx, p.httpClient, model, "generateContent", requestBody)
	if err != nil {
		p.emitFailed(ctx, model, 0, startTime, err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = fmt.Errorf("%w: failed to read response: %w", strand.ErrTransport, err)
		p.emitFailed(ctx, model, resp.StatusCode, startTime, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := p.decodeError(resp.StatusCode, body)
		p.emitFailed(ctx, model, resp.StatusCode, startTime, apiErr)
		return nil, apiErr
	}

	var generateResp generateContentResponse
	if err := json.Unmarshal(body, &generateResp); err != nil {
		err = fmt.Errorf("%w: failed to parse response: %w", strand.ErrMalformedResponse, err)
		p.emitFailed(ctx, model, resp.StatusCode, startTime, err)
		return nil, err
	}
	if len(generateResp.Candidates) == 0 {
		err := fmt.Errorf("%w: no candidates in response", strand.ErrMalformedResponse)
		p.emitFailed(ctx, model, resp.StatusCode, startTime, err)
		return nil, err
	}

	candidate := generateResp.Candidates[0]
	usage := generateResp.UsageMetadata.tokenUsage()
	p.emitCompleted(ctx, model, candidate.FinishReason, usage, resp.StatusCode, startTime)

	return &strand.ProviderResponse{
		Model:      model,
		Content:    candidate.text(),
		StopReason: candidate.FinishReason,
		Usage:      usage,
	}, nil
}

// buildRequest converts strand messages to Gemini contents. System messages
// become the system instruction and assistant turns use the "model" role.
func (p *Provider) buildRequest(messages []strand.Message, settings strand.Settings) (string, generateContentRequest, error) {
	model := p.model
	if settings.Model != "" {
		model = settings.Model
	}
	var req generateContentRequest

	if p.apiKey == "" {
		return model, req, strand.ErrMissingAPIKey
	}
	if err := settings.Validate(); err != nil {
		return model, req, err
	}

	var systemParts []string
	for _, msg := range messages {
		if msg.Role == strand.RoleSystem {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		role := msg.Role
		if role == strand.RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, content{Role: role, Parts: []part{{Text: msg.Content}}})
	}
	if len(req.Contents) == 0 {
		return model, req, fmt.Errorf("%w: at least one non-system message is required", strand.ErrInvalidSettings)
	}
	if len(systemParts) > 0 {
		req.SystemInstruction = &content{Parts: []part{{Text: strings.Join(systemParts, "\n\n")}}}
	}

	config := &generationConfig{}
	if settings.HasTemperature() {
		t := settings.Temperature
		config.Temperature = &t
	}
	if settings.MaxTokens > 0 {
		config.MaxOutputTokens = settings.MaxTokens
	}
	if config.Temperature != nil || config.MaxOutputTokens > 0 {
		req.GenerationConfig = config
	}
	return model, req, nil
}

func (p *Provider) send(ctx context.Context, client *http.Client, model, method string, body generateContentRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", p.baseURL, model, method)
	if method == "streamGenerateContent" {
		url += "?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

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
		apiErr.Type = errorResp.Error.Status
		apiErr.Message = errorResp.Error.Message
		// An invalid key comes back as 400 INVALID_ARGUMENT; the reason tells it apart.
		for _, d := range errorResp.Error.Details {
			if d.Reason == "API_KEY_INVALID" {
				apiErr.Type = "authentication_error"
				break
			}
		}
	}
	return apiErr
}

func (p *Provider) emitCompleted(ctx context.Context, model, finishReason string, usage strand.TokenUsage, status int, start time.Time) {
	fields := []capitan.Field{
		strand.ProviderKey.Field(p.name),
		strand.ModelKey.Field(model),
		strand.PromptTokensKey.Field(usage.Prompt),
		strand.CompletionTokensKey.Field(usage.Completion),
		strand.TotalTokensKey.Field(usage.Total),
		strand.DurationMsKey.Field(int(time.Since(start).Milliseconds())),
		strand.HTTPStatusCodeKey.Field(status),
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

// Request/Response types for Gemini API

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateContentResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
	Index        int     `json:"index"`
}

func (c candidate) text() string {
	var b strings.Builder
	for _, part := range c.Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u usageMetadata) tokenUsage() strand.TokenUsage {
	return strand.TokenUsage{
		Prompt:     u.PromptTokenCount,
		Completion: u.CandidatesTokenCount,
		Total:      u.TotalTokenCount,
	}
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}
