// Package provider maps provider identifiers to streaming adapters.
package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"model-gateway/internal/domain"
)

// Provider identifiers accepted on conversations.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Google    = "google"
	Ollama    = "ollama"
)

// Known lists every identifier the gateway has an adapter for.
var Known = []string{Anthropic, OpenAI, Google, Ollama}

var (
	// ErrUnknownProvider means the identifier names no adapter at all.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNotConfigured means the adapter exists but has no credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

// Adapter turns one provider's streaming protocol into domain chunks. The
// returned sequence does no I/O until ranged over, yields deltas followed by
// exactly one terminal chunk, and reports any failure as a non-nil error.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, cfg domain.ModelConfig, history []domain.ChatMessage) iter.Seq2[domain.StreamChunk, error]
}

// NormalizeName trims and lowercases a provider identifier.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsKnown reports whether name is a supported provider identifier.
func IsKnown(name string) bool {
	return slices.Contains(Known, NormalizeName(name))
}

// Registry is safe for concurrent use. Adapters are registered at startup and
// looked up per turn.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a under its Name. Only known identifiers are accepted and each
// may be registered once.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("provider: adapter must not be nil")
	}
	name := NormalizeName(a.Name())
	if !IsKnown(name) {
		return fmt.Errorf("provider: register %q: %w", a.Name(), ErrUnknownProvider)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("provider: %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Resolve returns the adapter for name.
func (r *Registry) Resolve(name string) (Adapter, error) {
	norm := NormalizeName(name)
	if !IsKnown(norm) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	r.mu.RLock()
	a, ok := r.adapters[norm]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, norm)
	}
	return a, nil
}

// Configured returns the sorted identifiers that have a registered adapter.
func (r *Registry) Configured() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
