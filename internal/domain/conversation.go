package domain

import "time"

// Conversation is a user-owned chat thread bound to one provider/model pair.
// TotalTokens and TotalCost are maintained by increments only.
type Conversation struct {
	ID           string
	UserID       string
	Title        string
	Provider     string
	Model        string
	SystemPrompt string
	Pinned       bool
	Archived     bool
	TotalTokens  int64
	TotalCost    int64
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ModelConfig builds the per-turn model configuration from the conversation.
func (c Conversation) ModelConfig() ModelConfig {
	return ModelConfig{
		Provider:     c.Provider,
		Model:        c.Model,
		SystemPrompt: c.SystemPrompt,
	}
}

// Attachment references an uploaded file attached to a user message.
type Attachment struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// Message is a single persisted conversation message. Messages are never
// edited after creation.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Role           Role
	Content        string
	Model          string
	Provider       string
	InputTokens    int64
	OutputTokens   int64
	Cost           int64
	Attachments    []Attachment
	IsError        bool
	ErrorMessage   string
	CreatedAt      time.Time
}

// User is the ledger view of an account: its optional token limit and
// cumulative usage.
type User struct {
	ID              string
	TokenLimit      *int64
	TotalTokensUsed int64
	TotalCost       int64
	// MessageCount is the number of completed assistant replies.
	MessageCount int64
}

// QuotaExhausted reports whether the user has reached the token limit.
// A nil or non-positive limit means unlimited.
func (u User) QuotaExhausted() bool {
	return u.TokenLimit != nil && *u.TokenLimit > 0 && u.TotalTokensUsed >= *u.TokenLimit
}

// ConversationPatch holds the mutable conversation fields; nil fields are left
// unchanged.
type ConversationPatch struct {
	Title        *string
	SystemPrompt *string
	Pinned       *bool
	Archived     *bool
	Tags         []string
}

// Empty reports whether the patch changes nothing.
func (p ConversationPatch) Empty() bool {
	return p.Title == nil && p.SystemPrompt == nil && p.Pinned == nil && p.Archived == nil && p.Tags == nil
}

// UserStats summarizes a user's usage.
type UserStats struct {
	TotalTokensUsed   int64  `json:"totalTokensUsed"`
	TotalCost         int64  `json:"totalCost"`
	ConversationCount int    `json:"conversationCount"`
	MessageCount      int64  `json:"messageCount"`
	TokenLimit        *int64 `json:"tokenLimit"`
}

// SumAssistantUsage totals tokens and cost over the successful assistant
// messages in msgs. Conversation counters must equal this sum.
func SumAssistantUsage(msgs []Message) (tokens, cost int64) {
	for _, m := range msgs {
		if m.Role != RoleAssistant || m.IsError {
			continue
		}
		tokens += m.InputTokens + m.OutputTokens
		cost += m.Cost
	}
	return tokens, cost
}
