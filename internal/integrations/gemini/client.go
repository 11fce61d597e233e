// Package gemini streams completions from the Google Generative Language API.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"model-gateway/internal/domain"
	"model-gateway/internal/integrations/httpstream"
	"model-gateway/internal/integrations/sse"
)

const (
	providerName     = "google"
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultMaxTokens = 4096
)

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

// generateChunk is one streamed GenerateContentResponse. Each chunk carries
// only the new text; usageMetadata is repeated and the last copy is final.
type generateChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Client is a streaming Gemini adapter.
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

func WithDefaultMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.defaultMaxTokens = n
		}
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini: api key must not be empty")
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

func streamURL(baseURL, model string) string {
	return httpstream.JoinURL(baseURL, "/v1beta/models/"+url.PathEscape(model)+":streamGenerateContent?alt=sse")
}

// Stream returns the lazy chunk sequence for one completion. Gemini has no
// explicit end event, so the stream is drained and counts as complete only if
// some candidate reported a finishReason.
func (c *Client) Stream(ctx context.Context, cfg domain.ModelConfig, history []domain.ChatMessage) iter.Seq2[domain.StreamChunk, error] {
	return func(yield func(domain.StreamChunk, error) bool) {
		if strings.TrimSpace(cfg.Model) == "" {
			yield(domain.StreamChunk{}, errors.New("gemini: model must not be empty"))
			return
		}

		res, err := httpstream.Post(ctx, c.httpClient, providerName, streamURL(c.baseURL, cfg.Model),
			buildRequest(cfg, history, c.defaultMaxTokens),
			httpstream.Header{Key: "x-goog-api-key", Value: c.apiKey},
		)
		if err != nil {
			yield(domain.StreamChunk{}, err)
			return
		}
		defer httpstream.Close(res.Body)

		reader := sse.NewReader(res.Body)
		var (
			inputTokens, outputTokens int64
			finished                  bool
		)
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("gemini: %w", err))
				return
			}

			var chunk generateChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				yield(domain.StreamChunk{}, fmt.Errorf("gemini: decode stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield(domain.StreamChunk{}, &httpstream.StreamError{
					Provider: providerName,
					Type:     chunk.Error.Status,
					Message:  chunk.Error.Message,
				})
				return
			}
			if chunk.UsageMetadata != nil {
				inputTokens = chunk.UsageMetadata.PromptTokenCount
				outputTokens = chunk.UsageMetadata.CandidatesTokenCount
			}
			for _, cand := range chunk.Candidates {
				for _, p := range cand.Content.Parts {
					if p.Text == "" {
						continue
					}
					if !yield(domain.Delta(p.Text), nil) {
						return
					}
				}
				if cand.FinishReason != "" {
					finished = true
				}
			}
		}

		if !finished {
			yield(domain.StreamChunk{}, fmt.Errorf("gemini: %w", httpstream.ErrIncompleteStream))
			return
		}
		yield(domain.Terminal(inputTokens, outputTokens), nil)
	}
}

func buildRequest(cfg domain.ModelConfig, history []domain.ChatMessage, defaultMax int) generateRequest {
	contents := make([]content, 0, len(history))
	for _, m := range history {
		var role string
		switch m.Role {
		case domain.RoleUser:
			role = "user"
		case domain.RoleAssistant:
			role = "model"
		default:
			continue
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	req := generateRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: cfg.MaxTokensOr(defaultMax),
			Temperature:     cfg.Temperature,
		},
	}
	if sp := strings.TrimSpace(cfg.SystemPrompt); sp != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: sp}}}
	}
	return req
}
