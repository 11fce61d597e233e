// Package httpstream holds the HTTP plumbing shared by the provider adapters:
// opening a streaming POST and classifying upstream failures.
package httpstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrIncompleteStream is returned when a provider stream ends without the
// provider's completion marker.
var ErrIncompleteStream = errors.New("stream ended before completion")

// StatusError captures non-2xx upstream responses.
type StatusError struct {
	Provider   string
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Provider, e.StatusCode, e.URL, e.Body)
}

// HTTPStatusCode returns the upstream status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// StreamError is a failure reported in-band by the provider after the
// response started.
type StreamError struct {
	Provider string
	Type     string
	Message  string
}

func (e *StreamError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: stream error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: stream error (%s): %s", e.Provider, e.Type, e.Message)
}

// Header is a single request header.
type Header struct {
	Key   string
	Value string
}

// Post marshals body, sends it with ctx, and returns the open response on 2xx.
// The caller owns resp.Body. Non-2xx responses are drained into a *StatusError.
// Streaming clients should carry no overall timeout; ctx bounds the request.
func Post(ctx context.Context, client *http.Client, provider, url string, body any, headers ...Header) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", provider, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer Close(res.Body)
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &StatusError{
			Provider:   provider,
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       strings.TrimSpace(string(buf)),
		}
	}
	return res, nil
}

// Close closes c, ignoring the error; used for response bodies.
func Close(c io.Closer) {
	_ = c.Close()
}

// JoinURL appends path to base, trimming duplicate slashes.
func JoinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}
