package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/provider"
)

func testCatalog(t *testing.T) *pricing.Catalog {
	t.Helper()
	c := pricing.NewCatalog()
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: openai
models:
  gpt-4o: {input: 2.5, output: 10}
  shared-model: {input: 1, output: 2}
`)))
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: anthropic
models:
  claude-sonnet-4-20250514: {input: 3, output: 15}
  shared-model: {input: 1, output: 2}
`)))
	return c
}

func TestResolve(t *testing.T) {
	t.Parallel()

	catalog := testCatalog(t)

	t.Run("NoProvidersConfigured", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, nil)
		_, err := r.Resolve("gpt-4o", "")
		assert.ErrorIs(t, err, ErrNoProviders)
	})

	t.Run("ExplicitPrefixWins", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, []provider.Type{provider.TypeOpenAI, provider.TypeAnthropic})
		res, err := r.Resolve("anthropic/claude-sonnet-4-20250514", "")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeAnthropic, res.Provider)
		assert.Equal(t, "claude-sonnet-4-20250514", res.Model)
	})

	t.Run("PrefixForUnconfiguredProvider", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, []provider.Type{provider.TypeOpenAI})
		_, err := r.Resolve("anthropic/claude-sonnet-4-20250514", "")
		assert.ErrorIs(t, err, ErrModelNotSupported)
	})

	t.Run("NonProviderPrefixFallsThrough", func(t *testing.T) {
		t.Parallel()
		c := pricing.NewCatalog()
		require.NoError(t, c.LoadDescriptor([]byte(`
provider: openrouter
models:
  meta-llama/llama-3.1-70b-instruct: {input: 0.3, output: 0.4}
`)))
		r := New(c, []provider.Type{provider.TypeOpenRouter})
		res, err := r.Resolve("meta-llama/llama-3.1-70b-instruct", "")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeOpenRouter, res.Provider)
		assert.Equal(t, "meta-llama/llama-3.1-70b-instruct", res.Model)
	})

	t.Run("HintBeatsCatalogOrder", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, []provider.Type{provider.TypeOpenAI, provider.TypeAnthropic})
		res, err := r.Resolve("shared-model", "anthropic")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeAnthropic, res.Provider)
	})

	t.Run("ConfigurationPriorityBreaksTies", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, []provider.Type{provider.TypeAnthropic, provider.TypeOpenAI})
		res, err := r.Resolve("shared-model", "")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeAnthropic, res.Provider)
	})

	t.Run("CatalogResolvesUnqualifiedModel", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, []provider.Type{provider.TypeOpenAI, provider.TypeAnthropic})
		res, err := r.Resolve("claude-sonnet-4-20250514", "")
		require.NoError(t, err)
		assert.Equal(t, provider.TypeAnthropic, res.Provider)
	})

	t.Run("UnknownModel", func(t *testing.T) {
		t.Parallel()
		r := New(catalog, []provider.Type{provider.TypeOpenAI})
		_, err := r.Resolve("made-up-model", "")
		assert.ErrorIs(t, err, ErrModelNotSupported)
	})
}
