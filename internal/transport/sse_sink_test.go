package transport

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"model-gateway/internal/domain"
)

func TestSSESink_FramesAndFlushes(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)
	require.False(t, sink.Started())

	require.NoError(t, sink.SendDelta("Hel"))
	require.True(t, sink.Started())
	require.NoError(t, sink.SendDelta("lo \"world\""))
	require.NoError(t, sink.SendTerminal(domain.TurnUsage{InputTokens: 100, OutputTokens: 200, Cost: 5}))
	require.NoError(t, sink.Close())

	require.True(t, rec.Flushed)
	require.Equal(t,
		`data: {"text":"Hel"}`+"\n\n"+
			`data: {"text":"lo \"world\""}`+"\n\n"+
			`data: {"done":true,"inputTokens":100,"outputTokens":200,"cost":5}`+"\n\n",
		rec.Body.String())
}

func TestSSESink_ErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)

	require.NoError(t, sink.SendError("provider failed"))
	require.Equal(t, `data: {"error":"provider failed"}`+"\n\n", rec.Body.String())
}

func TestSSESink_RejectsSendsAfterFinalFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	sink := NewSSESink(rec)

	require.NoError(t, sink.SendTerminal(domain.TurnUsage{}))
	require.ErrorIs(t, sink.SendDelta("late"), ErrSinkClosed)
	require.ErrorIs(t, sink.SendError("late"), ErrSinkClosed)
	require.ErrorIs(t, sink.SendTerminal(domain.TurnUsage{}), ErrSinkClosed)
	require.Equal(t, 1, strings.Count(rec.Body.String(), "data: "))
}

func TestSSESink_RejectsSendsAfterClose(t *testing.T) {
	sink := NewSSESink(httptest.NewRecorder())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.SendDelta("x"), ErrSinkClosed)
}

func TestSSESink_ClosesUnderlyingCloserOnce(t *testing.T) {
	pr, pw := io.Pipe()
	sink := NewSSESink(pw)

	done := make(chan string)
	go func() {
		b, _ := io.ReadAll(pr)
		done <- string(b)
	}()

	require.NoError(t, sink.SendDelta("x"))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	require.Equal(t, `data: {"text":"x"}`+"\n\n", <-done)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestSSESink_WriteFailureEndsSink(t *testing.T) {
	sink := NewSSESink(failingWriter{})
	err := sink.SendDelta("x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken pipe")
	require.ErrorIs(t, sink.SendError("x"), ErrSinkClosed)
}

func TestSetStreamHeaders(t *testing.T) {
	h := http.Header{}
	SetStreamHeaders(h)
	require.Equal(t, "text/event-stream", h.Get("Content-Type"))
	require.Equal(t, "no-cache", h.Get("Cache-Control"))
	require.Equal(t, "keep-alive", h.Get("Connection"))
	require.Equal(t, "no", h.Get("X-Accel-Buffering"))
}
