// Package sse reads Server-Sent Events from a provider response body.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line; bufio.Scanner's 64 KiB default is too
// small for large completion chunks.
const maxLineSize = 1 << 20

// Event is one dispatched SSE event. Multiple data lines are joined with "\n".
type Event struct {
	Name string
	Data string
}

// Reader yields events from an SSE stream. It is not safe for concurrent use.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event with a non-empty data field. Comment lines and
// id/retry fields are skipped. It returns io.EOF once the stream is exhausted;
// an event still buffered at EOF is returned first.
func (r *Reader) Next() (Event, error) {
	var (
		name string
		data []string
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if len(data) > 0 {
				return Event{Name: name, Data: strings.Join(data, "\n")}, nil
			}
			name = ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("sse: read: %w", err)
	}
	if len(data) > 0 {
		return Event{Name: name, Data: strings.Join(data, "\n")}, nil
	}
	return Event{}, io.EOF
}
