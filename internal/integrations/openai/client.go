// Package openai streams chat completions from OpenAI-compatible endpoints.
package openai

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
	providerName     = "openai"
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 4096
	doneSentinel     = "[DONE]"
)

// chatRequest is the streaming request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []domain.ChatMessage `json:"messages"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions streamOptions        `json:"stream_options"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatChunk is one chat.completion.chunk payload. With include_usage the last
// chunk before [DONE] has no choices and carries Usage.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client is a streaming OpenAI-compatible client for chat completions.
type Client struct {
	apiKey           string
	baseURL          string
	httpClient       *http.Client
	defaultMaxTokens int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithDefaultMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.defaultMaxTokens = n
		}
	}
}

// NewClient creates a Client. The key is resolved once at process start by the
// caller; nothing is fetched lazily.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
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

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Stream returns the lazy chunk sequence for one completion. Usage arrives on
// the final chunk; the terminal chunk is emitted on [DONE] with whatever usage
// was last reported.
func (c *Client) Stream(ctx context.Context, cfg domain.ModelConfig, history []domain.ChatMessage) iter.Seq2[domain.StreamChunk, error] {
	return func(yield func(domain.StreamChunk, error) bool) {
		if cfg.Model == "" {
			yield(domain.StreamChunk{}, errors.New("openai: model must not be empty"))
			return
		}

		res, err := httpstream.Post(ctx, c.httpClient, providerName, chatURL(c.baseURL),
			buildRequest(cfg, history, c.defaultMaxTokens),
			httpstream.Header{Key: "Authorization", Value: "Bearer " + c.apiKey},
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
				yield(domain.StreamChunk{}, fmt.Errorf("openai: %w", httpstream.ErrIncompleteStream))
				return
			}
			if err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("openai: %w", err))
				return
			}
			if strings.TrimSpace(ev.Data) == doneSentinel {
				yield(domain.Terminal(inputTokens, outputTokens), nil)
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("openai: decode stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield(domain.StreamChunk{}, &httpstream.StreamError{
					Provider: providerName,
					Type:     chunk.Error.Type,
					Message:  chunk.Error.Message,
				})
				return
			}
			if chunk.Usage != nil {
				inputTokens = chunk.Usage.PromptTokens
				outputTokens = chunk.Usage.CompletionTokens
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(domain.Delta(choice.Delta.Content), nil) {
					return
				}
			}
		}
	}
}

func buildRequest(cfg domain.ModelConfig, history []domain.ChatMessage, defaultMax int) chatRequest {
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
	return chatRequest{
		Model:         cfg.Model,
		Messages:      msgs,
		MaxTokens:     cfg.MaxTokensOr(defaultMax),
		Temperature:   cfg.Temperature,
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
	}
}
