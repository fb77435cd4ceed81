package sse

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
)

func TestScanner(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		"event: message_start",
		`data: {"type":"message_start"}`,
		"",
		"",
		"event: content_block_delta",
		"data: line one",
		"data: line two",
		"",
		"event: ping",
		"",
		"data:no-space",
		"",
	}, "\n")

	scanner := NewScanner(strings.NewReader(input))
	var events []Event
	for scanner.Scan() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []Event{
		{Name: "message_start", Data: `{"type":"message_start"}`},
		{Name: "content_block_delta", Data: "line one\nline two"},
		{Data: "no-space"},
	}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %+v, got %+v", i, want[i], events[i])
		}
	}
}

func TestScannerTrailingEvent(t *testing.T) {
	scanner := NewScanner(strings.NewReader("data: [DONE]"))
	if !scanner.Scan() || scanner.Data() != "[DONE]" {
		t.Fatalf("Expected trailing event to dispatch, got %q", scanner.Data())
	}
	if scanner.Scan() {
		t.Error("Expected end of stream")
	}
}

func TestScannerReadError(t *testing.T) {
	failure := errors.New("connection reset")
	reader := iotest.DataErrReader(iotest.ErrReader(failure))
	scanner := NewScanner(reader)
	if scanner.Scan() {
		t.Error("Expected no events")
	}
	if !errors.Is(scanner.Err(), failure) {
		t.Errorf("Expected read error, got %v", scanner.Err())
	}
}

func TestScannerLargeLine(t *testing.T) {
	payload := strings.Repeat("x", 200*1024)
	scanner := NewScanner(strings.NewReader("data: " + payload + "\n\n"))
	if !scanner.Scan() || len(scanner.Data()) != len(payload) {
		t.Errorf("Expected large payload to be read, err=%v", scanner.Err())
	}
}
