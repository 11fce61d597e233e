package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	tokensPerMillion = 1_000_000
	defaultEntry     = "default-ollama"
)

// Price is the cost of one million tokens in USD cents.
type Price struct {
	Input  int64 `toml:"input"`
	Output int64 `toml:"output"`
}

var defaultPrices = map[string]Price{
	// Anthropic
	"claude-opus-4-20250514":    {Input: 1500, Output: 7500},
	"claude-sonnet-4-20250514":  {Input: 300, Output: 1500},
	"claude-haiku-4-5-20251001": {Input: 80, Output: 400},
	// OpenAI
	"gpt-4o":      {Input: 250, Output: 1000},
	"gpt-4o-mini": {Input: 15, Output: 60},
	"gpt-4-turbo": {Input: 1000, Output: 3000},
	// Google
	"gemini-1.5-pro":   {Input: 125, Output: 375},
	"gemini-1.5-flash": {Input: 7, Output: 21},
	"gemini-2.0-flash": {Input: 10, Output: 40},
	// Self-hosted
	defaultEntry: {Input: 0, Output: 0},
}

// Table maps model ids to prices. The zero-priced default entry covers models
// that are not listed.
type Table struct {
	prices map[string]Price
}

// Default returns the built-in pricing table.
func Default() *Table {
	prices := make(map[string]Price, len(defaultPrices))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	return &Table{prices: prices}
}

// Lookup returns the price for model, falling back to the default entry.
func (t *Table) Lookup(model string) Price {
	if t != nil {
		if p, ok := t.prices[strings.TrimSpace(model)]; ok {
			return p
		}
		if p, ok := t.prices[defaultEntry]; ok {
			return p
		}
	}
	return Price{}
}

// Cost returns round(in/1M*inputPrice + out/1M*outputPrice) in cents, using
// integer arithmetic only. Negative token counts are treated as zero.
func (t *Table) Cost(model string, inputTokens, outputTokens int64) int64 {
	p := t.Lookup(model)
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	scaled := inputTokens*p.Input + outputTokens*p.Output
	return (scaled + tokensPerMillion/2) / tokensPerMillion
}

type overridesFile struct {
	Models map[string]Price `toml:"models"`
}

// LoadOverrides merges prices from a TOML file of the form
//
//	[models."gpt-4o"]
//	input = 250
//	output = 1000
//
// into the table. Existing entries are replaced.
func (t *Table) LoadOverrides(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("pricing: overrides path must not be empty")
	}
	var f overridesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return fmt.Errorf("pricing: decode overrides %q: %w", path, err)
	}
	if t.prices == nil {
		t.prices = make(map[string]Price, len(f.Models))
	}
	for model, p := range f.Models {
		if p.Input < 0 || p.Output < 0 {
			return fmt.Errorf("pricing: negative price for model %q", model)
		}
		t.prices[strings.TrimSpace(model)] = p
	}
	return nil
}
