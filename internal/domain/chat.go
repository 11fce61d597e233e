package domain

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatMessage is the provider-agnostic history entry handed to adapters.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ModelConfig is built from the owning conversation at the start of each turn.
type ModelConfig struct {
	Provider     string
	Model        string
	SystemPrompt string
	MaxTokens    *int
	Temperature  *float64
}

// MaxTokensOr returns the configured max tokens, or def when unset.
func (c ModelConfig) MaxTokensOr(def int) int {
	if c.MaxTokens != nil && *c.MaxTokens > 0 {
		return *c.MaxTokens
	}
	return def
}

// StreamChunk is either a text delta (Done=false, Text non-empty) or the single
// terminal record (Done=true) carrying the final usage figures.
type StreamChunk struct {
	Text         string
	Done         bool
	InputTokens  int64
	OutputTokens int64
}

// Delta returns a text delta chunk.
func Delta(text string) StreamChunk {
	return StreamChunk{Text: text}
}

// Terminal returns the terminal chunk for the given usage.
func Terminal(inputTokens, outputTokens int64) StreamChunk {
	return StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// TurnUsage is the accounting result of a completed turn.
type TurnUsage struct {
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
	Cost         int64 `json:"cost"`
}

// TotalTokens is the sum of input and output tokens.
func (u TurnUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}
