// Package transport writes turn progress to the client as Server-Sent Events.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"model-gateway/internal/domain"
)

// ErrSinkClosed is returned by sends after the terminal or error frame, or
// after Close.
var ErrSinkClosed = errors.New("transport: sink closed")

type deltaFrame struct {
	Text string `json:"text"`
}

type terminalFrame struct {
	Done         bool  `json:"done"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Cost         int64 `json:"cost"`
}

type errorFrame struct {
	Error string `json:"error"`
}

// SetStreamHeaders sets the response headers for an SSE stream.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SSESink frames each send as "data: <json>\n\n" and flushes it immediately.
// At most one terminal or error frame is written; after it the sink only
// accepts Close.
type SSESink struct {
	mu       sync.Mutex
	w        io.Writer
	flusher  http.Flusher
	started  bool
	finished bool
	closed   bool
}

// NewSSESink wraps w. If w is an http.Flusher each frame is flushed; if it is
// an io.Closer, Close closes it.
func NewSSESink(w io.Writer) *SSESink {
	s := &SSESink{w: w}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

func (s *SSESink) SendDelta(text string) error {
	return s.send(deltaFrame{Text: text}, false)
}

func (s *SSESink) SendTerminal(usage domain.TurnUsage) error {
	return s.send(terminalFrame{
		Done:         true,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         usage.Cost,
	}, true)
}

func (s *SSESink) SendError(message string) error {
	return s.send(errorFrame{Error: message}, true)
}

// Started reports whether any frame has been written. Until then the response
// status and headers may still be replaced.
func (s *SSESink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Close is idempotent.
func (s *SSESink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.finished = true
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *SSESink) send(frame any, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished || s.closed {
		return ErrSinkClosed
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	if final {
		s.finished = true
	}
	s.started = true
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.finished = true
		return fmt.Errorf("transport: write frame: %w", err)
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
