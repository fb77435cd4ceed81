package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zoobzio/strand"
)

func userMessages(content string) []strand.Message {
	return []strand.Message{{Role: strand.RoleUser, Content: content}}
}

func TestProviderCall(t *testing.T) {
	var captured chatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Expected Bearer token, got %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		resp := chatCompletionResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Created: 1700000000,
			Model:   "gpt-4o-mini",
			Choices: []choice{{Message: message{Role: "assistant", Content: "test response"}, FinishReason: "stop"}},
			Usage:   usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := New(Config{APIKey: "test-key", BaseURL: server.URL + "/"})

	settings := strand.DefaultSettings()
	settings.Temperature = 0.7
	response, err := provider.Call(context.Background(), []strand.Message{
		{Role: strand.RoleSystem, Content: "You are helpful."},
		{Role: strand.RoleUser, Content: "hello"},
	}, settings)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if response.Content != "test response" {
		t.Errorf("Expected 'test response', got %q", response.Content)
	}
	if response.StopReason != "stop" || response.Usage.Total != 15 {
		t.Errorf("Unexpected metadata %+v", response)
	}

	// System messages stay inline for chat completions
	if len(captured.Messages) != 2 || captured.Messages[0].Role != "system" {
		t.Errorf("Expected system message first, got %+v", captured.Messages)
	}
	if captured.Model != DefaultModel {
		t.Errorf("Expected model %s, got %s", DefaultModel, captured.Model)
	}
	if captured.Temperature == nil || *captured.Temperature != 0.7 {
		t.Errorf("Expected temperature 0.7, got %v", captured.Temperature)
	}
	if captured.Stream || captured.StreamOptions != nil {
		t.Error("Expected non-streaming request")
	}
}

func TestProviderErrorHandling(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		responseBody string
		target       error
	}{
		{
			name:         "Unauthorized",
			statusCode:   http.StatusUnauthorized,
			responseBody: `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`,
			target:       strand.ErrAuthentication,
		},
		{
			name:         "Rate limit",
			statusCode:   http.StatusTooManyRequests,
			responseBody: `{"error":{"message":"Rate limit exceeded","type":"requests"}}`,
			target:       strand.ErrRateLimit,
		},
		{
			name:         "Bad request",
			statusCode:   http.StatusBadRequest,
			responseBody: `{"error":{"message":"Invalid request","type":"invalid_request_error"}}`,
			target:       strand.ErrProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.responseBody))
			}))
			defer server.Close()

			provider := New(Config{APIKey: "test-key", BaseURL: server.URL})
			_, err := provider.Call(context.Background(), userMessages("test"), strand.DefaultSettings())
			if !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
			if !strings.Contains(err.Error(), "openai error") {
				t.Errorf("Expected provider name in error, got %q", err.Error())
			}
		})
	}
}

func TestProviderNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer server.Close()

	provider := New(Config{APIKey: "test-key", BaseURL: server.URL})
	_, err := provider.Call(context.Background(), userMessages("test"), strand.DefaultSettings())
	if !errors.Is(err, strand.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}

func TestProviderMissingAPIKey(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	provider := New(Config{BaseURL: server.URL})
	if _, err := provider.Call(context.Background(), userMessages("test"), strand.DefaultSettings()); !errors.Is(err, strand.ErrMissingAPIKey) {
		t.Errorf("Expected ErrMissingAPIKey, got %v", err)
	}
	if _, err := provider.Stream(context.Background(), userMessages("test"), strand.DefaultSettings()); !errors.Is(err, strand.ErrMissingAPIKey) {
		t.Errorf("Expected ErrMissingAPIKey from Stream, got %v", err)
	}
	if hits.Load() != 0 {
		t.Errorf("Expected no requests, got %d", hits.Load())
	}
}

func TestProviderStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("Expected streaming request with usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, data := range []string{
			`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":"Hello"}}]}`,
			`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" there"}}]}`,
			`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"chatcmpl-2","model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}))
	defer server.Close()

	provider := New(Config{APIKey: "test-key", BaseURL: server.URL})
	stream, err := provider.Stream(context.Background(), userMessages("hi"), strand.DefaultSettings())
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var fragments []string
	for fragment := range stream.All() {
		fragments = append(fragments, fragment)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("Stream error: %v", err)
	}
	if strings.Join(fragments, "|") != "Hello| there" {
		t.Errorf("Unexpected fragments %q", fragments)
	}

	resp := stream.Response()
	if resp.Content != "Hello there" || resp.ID != "chatcmpl-2" || resp.StopReason != "stop" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Usage.Total != 9 {
		t.Errorf("Expected 9 total tokens, got %d", resp.Usage.Total)
	}
}

func TestProviderStreamTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"c","choices":[{"delta":{"content":"half"}}]}`+"\n\n")
	}))
	defer server.Close()

	provider := New(Config{APIKey: "test-key", BaseURL: server.URL})
	stream, err := provider.Stream(context.Background(), userMessages("hi"), strand.DefaultSettings())
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := stream.Collect()
	if text != "half" {
		t.Errorf("Expected partial text, got %q", text)
	}
	if !errors.Is(err, strand.ErrTransport) {
		t.Errorf("Expected ErrTransport, got %v", err)
	}
}
