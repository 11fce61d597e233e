package provider

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"

	"model-gateway/internal/domain"
)

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) Stream(context.Context, domain.ModelConfig, []domain.ChatMessage) iter.Seq2[domain.StreamChunk, error] {
	return func(yield func(domain.StreamChunk, error) bool) {
		yield(domain.Terminal(0, 0), nil)
	}
}

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "anthropic", NormalizeName("  Anthropic "))
	require.Equal(t, "", NormalizeName("   "))
}

func TestResolve_Registered(t *testing.T) {
	r, err := NewRegistry(stubAdapter{name: Anthropic}, stubAdapter{name: Ollama})
	require.NoError(t, err)

	a, err := r.Resolve(" ANTHROPIC")
	require.NoError(t, err)
	require.Equal(t, Anthropic, a.Name())
}

func TestResolve_KnownButNotConfigured(t *testing.T) {
	r, err := NewRegistry(stubAdapter{name: Anthropic})
	require.NoError(t, err)

	_, err = r.Resolve("google")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.NotErrorIs(t, err, ErrUnknownProvider)
}

func TestResolve_Unknown(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	for _, name := range []string{"mistral-cloud", "", "  "} {
		_, err := r.Resolve(name)
		require.ErrorIs(t, err, ErrUnknownProvider, "name=%q", name)
	}
}

func TestRegister_RejectsUnknownDuplicateAndNil(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	require.ErrorIs(t, r.Register(stubAdapter{name: "bedrock"}), ErrUnknownProvider)
	require.NoError(t, r.Register(stubAdapter{name: OpenAI}))
	require.Error(t, r.Register(stubAdapter{name: "OpenAI"}))
	require.Error(t, r.Register(nil))
}

func TestNewRegistry_PropagatesRegisterError(t *testing.T) {
	_, err := NewRegistry(stubAdapter{name: OpenAI}, stubAdapter{name: OpenAI})
	require.Error(t, err)
}

func TestConfigured_Sorted(t *testing.T) {
	r, err := NewRegistry(stubAdapter{name: Ollama}, stubAdapter{name: Google}, stubAdapter{name: Anthropic})
	require.NoError(t, err)
	require.Equal(t, []string{"anthropic", "google", "ollama"}, r.Configured())

	empty, err := NewRegistry()
	require.NoError(t, err)
	require.Empty(t, empty.Configured())
}

func TestIsKnown(t *testing.T) {
	for _, name := range Known {
		require.True(t, IsKnown(name))
	}
	require.False(t, IsKnown("cohere"))
}
