package handler

import (
	"time"

	"model-gateway/internal/domain"
	"model-gateway/internal/pricing"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type streamRequest struct {
	Message     string              `json:"message"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
}

type createConversationRequest struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Title        string `json:"title"`
	SystemPrompt string `json:"systemPrompt"`
}

type updateConversationRequest struct {
	Title        *string  `json:"title"`
	SystemPrompt *string  `json:"systemPrompt"`
	Pinned       *bool    `json:"pinned"`
	Archived     *bool    `json:"archived"`
	Tags         []string `json:"tags"`
}

type modelsResponse struct {
	Models []pricing.Model `json:"models"`
}

type conversationResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Pinned       bool      `json:"pinned"`
	Archived     bool      `json:"archived"`
	TotalTokens  int64     `json:"totalTokens"`
	TotalCost    int64     `json:"totalCost"`
	Tags         []string  `json:"tags"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type conversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type messageResponse struct {
	ID           string              `json:"id"`
	Role         domain.Role         `json:"role"`
	Content      string              `json:"content"`
	Model        string              `json:"model,omitempty"`
	Provider     string              `json:"provider,omitempty"`
	InputTokens  int64               `json:"inputTokens"`
	OutputTokens int64               `json:"outputTokens"`
	Cost         int64               `json:"cost"`
	Attachments  []domain.Attachment `json:"attachments,omitempty"`
	IsError      bool                `json:"isError,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

type messagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

func toConversationResponse(c domain.Conversation) conversationResponse {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return conversationResponse{
		ID:           c.ID,
		Title:        c.Title,
		Provider:     c.Provider,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
		Pinned:       c.Pinned,
		Archived:     c.Archived,
		TotalTokens:  c.TotalTokens,
		TotalCost:    c.TotalCost,
		Tags:         tags,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func toMessageResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:           m.ID,
		Role:         m.Role,
		Content:      m.Content,
		Model:        m.Model,
		Provider:     m.Provider,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		Cost:         m.Cost,
		Attachments:  m.Attachments,
		IsError:      m.IsError,
		ErrorMessage: m.ErrorMessage,
		CreatedAt:    m.CreatedAt,
	}
}
