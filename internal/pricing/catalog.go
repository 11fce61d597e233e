package pricing

// Model is a selectable provider/model pair.
type Model struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Label    string `json:"label"`
	Vision   bool   `json:"vision"`
}

var catalog = []Model{
	{Provider: "anthropic", Model: "claude-sonnet-4-20250514", Label: "Claude Sonnet 4", Vision: true},
	{Provider: "anthropic", Model: "claude-opus-4-20250514", Label: "Claude Opus 4", Vision: true},
	{Provider: "anthropic", Model: "claude-haiku-4-5-20251001", Label: "Claude Haiku 4.5", Vision: true},
	{Provider: "openai", Model: "gpt-4o", Label: "GPT-4o", Vision: true},
	{Provider: "openai", Model: "gpt-4o-mini", Label: "GPT-4o Mini", Vision: true},
	{Provider: "openai", Model: "gpt-4-turbo", Label: "GPT-4 Turbo", Vision: true},
	{Provider: "google", Model: "gemini-2.0-flash", Label: "Gemini 2.0 Flash", Vision: true},
	{Provider: "google", Model: "gemini-1.5-pro", Label: "Gemini 1.5 Pro", Vision: true},
	{Provider: "google", Model: "gemini-1.5-flash", Label: "Gemini 1.5 Flash", Vision: true},
	{Provider: "ollama", Model: "llama3.2", Label: "Llama 3.2 (Local)"},
	{Provider: "ollama", Model: "mistral", Label: "Mistral (Local)"},
	{Provider: "ollama", Model: "qwen2.5", Label: "Qwen 2.5 (Local)"},
}

// Catalog returns the models whose provider is in configured, in catalog order.
func Catalog(configured []string) []Model {
	enabled := make(map[string]bool, len(configured))
	for _, p := range configured {
		enabled[p] = true
	}
	out := make([]Model, 0, len(catalog))
	for _, m := range catalog {
		if enabled[m.Provider] {
			out = append(out, m)
		}
	}
	return out
}
