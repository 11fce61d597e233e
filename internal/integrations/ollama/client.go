// Package ollama streams completions from a local Ollama server.
package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"model-gateway/internal/domain"
	"model-gateway/internal/integrations/httpstream"
)

const (
	providerName   = "ollama"
	DefaultBaseURL = "http://localhost:11434"
	maxRecordSize  = 1 << 20
)

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []domain.ChatMessage `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  *chatOptions         `json:"options,omitempty"`
}

type chatOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// chatRecord is one NDJSON line from /api/chat. Only the done record carries
// the eval counts.
type chatRecord struct {
	Message *struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
	Error           string `json:"error"`
}

// Client is a streaming Ollama adapter. Ollama needs no credentials; a base
// URL is what marks it as configured.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("ollama: base url must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return providerName }

// Stream returns the lazy chunk sequence for one completion; the record with
// done=true produces the terminal chunk.
func (c *Client) Stream(ctx context.Context, cfg domain.ModelConfig, history []domain.ChatMessage) iter.Seq2[domain.StreamChunk, error] {
	return func(yield func(domain.StreamChunk, error) bool) {
		if strings.TrimSpace(cfg.Model) == "" {
			yield(domain.StreamChunk{}, errors.New("ollama: model must not be empty"))
			return
		}

		res, err := httpstream.Post(ctx, c.httpClient, providerName, httpstream.JoinURL(c.baseURL, "/api/chat"),
			buildRequest(cfg, history),
			httpstream.Header{Key: "Accept", Value: "application/x-ndjson"},
		)
		if err != nil {
			yield(domain.StreamChunk{}, err)
			return
		}
		defer httpstream.Close(res.Body)

		scanner := bufio.NewScanner(res.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var rec chatRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("ollama: decode record: %w", err))
				return
			}
			if rec.Error != "" {
				yield(domain.StreamChunk{}, &httpstream.StreamError{Provider: providerName, Message: rec.Error})
				return
			}
			if rec.Message != nil && rec.Message.Content != "" {
				if !yield(domain.Delta(rec.Message.Content), nil) {
					return
				}
			}
			if rec.Done {
				yield(domain.Terminal(rec.PromptEvalCount, rec.EvalCount), nil)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(domain.StreamChunk{}, fmt.Errorf("ollama: read stream: %w", err))
			return
		}
		yield(domain.StreamChunk{}, fmt.Errorf("ollama: %w", httpstream.ErrIncompleteStream))
	}
}

func buildRequest(cfg domain.ModelConfig, history []domain.ChatMessage) chatRequest {
	msgs := make([]domain.ChatMessage, 0, len(history)+1)
	if sp := strings.TrimSpace(cfg.SystemPrompt); sp != "" {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: sp})
	}
	for _, m := range history {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		msgs = append(msgs, m)
	}
	req := chatRequest{Model: cfg.Model, Messages: msgs, Stream: true}
	if n := cfg.MaxTokensOr(0); n > 0 || cfg.Temperature != nil {
		req.Options = &chatOptions{NumPredict: n, Temperature: cfg.Temperature}
	}
	return req
}
