// Package sse reads Server-Sent Events streams produced by hosted model APIs.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line; large tool or JSON payloads can exceed
// bufio's 64KiB default.
const maxLineSize = 1 << 20

// Event is one dispatched SSE event.
type Event struct {
	Name string // value of the "event:" field, empty when absent
	Data string // "data:" lines joined with "\n"
}

// Scanner scans Server-Sent Events (SSE) streams.
type Scanner struct {
	scanner *bufio.Scanner
	event   Event
	err     error
}

// NewScanner creates a new SSE scanner over r.
func NewScanner(r io.Reader) *Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Scanner{scanner: scanner}
}

// Scan advances to the next event with data. It returns false at end of
// stream or on a read error.
func (s *Scanner) Scan() bool {
	var name string
	var data []string
	hasData := false

	for s.scanner.Scan() {
		line := s.scanner.Bytes()

		// Blank line dispatches the pending event
		if len(line) == 0 {
			if hasData {
				s.event = Event{Name: name, Data: strings.Join(data, "\n")}
				return true
			}
			name = ""
			continue
		}

		// Comment
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			data = append(data, string(value))
			hasData = true
		}
	}

	s.err = s.scanner.Err()
	// Streams that end without a trailing blank line still dispatch
	if s.err == nil && hasData {
		s.event = Event{Name: name, Data: strings.Join(data, "\n")}
		return true
	}
	return false
}

// Event returns the current event.
func (s *Scanner) Event() Event {
	return s.event
}

// Data returns the current event data.
func (s *Scanner) Data() string {
	return s.event.Data
}

// Err returns any scanning error.
func (s *Scanner) Err() error {
	return s.err
}
