package strand

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestMockProvider(t *testing.T) {
	t.Run("echoes last user message", func(t *testing.T) {
		mock := NewMockProvider()
		resp, err := mock.Call(context.Background(), []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "first"},
			{Role: RoleAssistant, Content: "reply"},
			{Role: RoleUser, Content: "second"},
		}, DefaultSettings())
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if resp.Content != "second" {
			t.Errorf("Expected echo of last user message, got %q", resp.Content)
		}
		if resp.Model != "mock" || resp.Usage.Total != resp.Usage.Prompt+resp.Usage.Completion {
			t.Errorf("Unexpected metadata %+v", resp)
		}
	})

	t.Run("fixed response", func(t *testing.T) {
		mock := NewMockProviderWithResponse("fixed")
		resp, _ := mock.Call(context.Background(), nil, DefaultSettings())
		if resp.Content != "fixed" || mock.Name() != "mock-fixed" {
			t.Errorf("Unexpected response %+v", resp)
		}
	})

	t.Run("callback", func(t *testing.T) {
		mock := NewMockProviderWithCallback(func(_ []Message, s Settings) (string, error) {
			if s.Model == "broken" {
				return "", errors.New("boom")
			}
			return "model " + s.Model, nil
		})
		resp, err := mock.Call(context.Background(), nil, Settings{Model: "x"})
		if err != nil || resp.Content != "model x" || resp.Model != "x" {
			t.Errorf("Unexpected response %+v (%v)", resp, err)
		}
		if _, err := mock.Call(context.Background(), nil, Settings{Model: "broken"}); err == nil {
			t.Error("Expected callback error")
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		mock := NewMockProvider()
		mock.SetAvailable(false)
		if _, err := mock.Call(context.Background(), nil, DefaultSettings()); !errors.Is(err, ErrTransport) {
			t.Errorf("Expected ErrTransport, got %v", err)
		}
		if _, err := mock.Stream(context.Background(), nil, DefaultSettings()); !errors.Is(err, ErrTransport) {
			t.Errorf("Expected ErrTransport from stream, got %v", err)
		}
		if mock.CallCount() != 2 {
			t.Errorf("Expected 2 calls counted, got %d", mock.CallCount())
		}
	})
}

func TestMockProviderStream(t *testing.T) {
	mock := NewMockProviderWithResponse("Why did the bear  cross?")
	stream, err := mock.Stream(context.Background(), nil, DefaultSettings())
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var fragments []string
	for stream.Next() {
		fragments = append(fragments, stream.Text())
	}
	if strings.Join(fragments, "") != "Why did the bear  cross?" {
		t.Errorf("Fragments do not reassemble: %q", fragments)
	}
	if len(fragments) != 5 {
		t.Errorf("Expected 5 fragments, got %q", fragments)
	}
	if stream.Response().StopReason != "end_turn" {
		t.Errorf("Expected stop reason, got %+v", stream.Response())
	}
}

func TestSplitWords(t *testing.T) {
	tests := map[string][]string{
		"":          nil,
		"one":       {"one"},
		"one two":   {"one", " two"},
		"a  b":      {"a", "  b"},
		" leading":  {" leading"},
		"trailing ": {"trailing", " "},
		"x y z":     {"x", " y", " z"},
	}
	for in, want := range tests {
		if got := SplitWords(in); !reflect.DeepEqual(got, want) {
			t.Errorf("SplitWords(%q) = %q, want %q", in, got, want)
		}
	}
}
