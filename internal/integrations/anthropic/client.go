// Package anthropic streams completions from the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"model-gateway/internal/domain"
	"model-gateway/internal/integrations/httpstream"
	"model-gateway/internal/integrations/sse"
)

const (
	providerName     = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// streamEvent is the envelope of every SSE payload; Type discriminates which
// fields are set.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage usage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client is a streaming Anthropic adapter.
type Client struct {
	apiKey           string
	baseURL          string
	httpClient       *http.Client
	defaultMaxTokens int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if v := strings.TrimSpace(baseURL); v != "" {
			c.baseURL = v
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDefaultMaxTokens sets max_tokens for requests whose config leaves it unset.
func WithDefaultMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.defaultMaxTokens = n
		}
	}
}

// NewClient creates a Client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key must not be empty")
	}
	c := &Client{
		apiKey:           apiKey,
		baseURL:          defaultBaseURL,
		httpClient:       &http.Client{},
		defaultMaxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return providerName }

// Stream returns the lazy chunk sequence for one completion. Input tokens are
// reported by message_start, output tokens by message_delta; the terminal chunk
// is produced on message_stop.
func (c *Client) Stream(ctx context.Context, cfg domain.ModelConfig, history []domain.ChatMessage) iter.Seq2[domain.StreamChunk, error] {
	return func(yield func(domain.StreamChunk, error) bool) {
		if strings.TrimSpace(cfg.Model) == "" {
			yield(domain.StreamChunk{}, errors.New("anthropic: model must not be empty"))
			return
		}

		res, err := httpstream.Post(ctx, c.httpClient, providerName, httpstream.JoinURL(c.baseURL, "/v1/messages"),
			buildRequest(cfg, history, c.defaultMaxTokens),
			httpstream.Header{Key: "x-api-key", Value: c.apiKey},
			httpstream.Header{Key: "anthropic-version", Value: apiVersion},
			httpstream.Header{Key: "Accept", Value: "text/event-stream"},
		)
		if err != nil {
			yield(domain.StreamChunk{}, err)
			return
		}
		defer httpstream.Close(res.Body)

		reader := sse.NewReader(res.Body)
		var inputTokens, outputTokens int64
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				yield(domain.StreamChunk{}, fmt.Errorf("anthropic: %w", httpstream.ErrIncompleteStream))
				return
			}
			if err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("anthropic: %w", err))
				return
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("anthropic: decode stream event: %w", err))
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
					outputTokens = event.Message.Usage.OutputTokens
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
					if !yield(domain.Delta(event.Delta.Text), nil) {
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
					if event.Usage.InputTokens > 0 {
						inputTokens = event.Usage.InputTokens
					}
				}
			case "message_stop":
				yield(domain.Terminal(inputTokens, outputTokens), nil)
				return
			case "error":
				streamErr := &httpstream.StreamError{Provider: providerName, Message: "unknown stream error"}
				if event.Error != nil {
					streamErr.Type = event.Error.Type
					streamErr.Message = event.Error.Message
				}
				yield(domain.StreamChunk{}, streamErr)
				return
			}
		}
	}
}

func buildRequest(cfg domain.ModelConfig, history []domain.ChatMessage, defaultMax int) messagesRequest {
	msgs := make([]wireMessage, 0, len(history))
	for _, m := range history {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		// The Messages API requires the first message to come from the user.
		if len(msgs) == 0 && m.Role == domain.RoleAssistant {
			continue
		}
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	return messagesRequest{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokensOr(defaultMax),
		System:      strings.TrimSpace(cfg.SystemPrompt),
		Messages:    msgs,
		Temperature: cfg.Temperature,
		Stream:      true,
	}
}
