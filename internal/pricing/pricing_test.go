package pricing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/canonical"
)

func TestLoadDescriptor(t *testing.T) {
	t.Parallel()

	t.Run("AnthropicCacheKeys", func(t *testing.T) {
		t.Parallel()
		c := NewCatalog()
		require.NoError(t, c.LoadDescriptor([]byte(`
provider: anthropic
currency: USD
unit: per_million_tokens
models:
  claude-sonnet-4-20250514:
    input: 3.00
    output: 15.00
    5m_cache_write: 3.75
    cache_read: 0.30
`)))

		p, ok := c.Lookup("anthropic", "claude-sonnet-4-20250514")
		require.True(t, ok)
		assert.InDelta(t, 3.0, p.Input, 1e-9)
		assert.InDelta(t, 3.75, p.CacheWrite, 1e-9)
		assert.InDelta(t, 0.30, p.CacheRead, 1e-9)
	})

	t.Run("XAICachedInput", func(t *testing.T) {
		t.Parallel()
		c := NewCatalog()
		require.NoError(t, c.LoadDescriptor([]byte(`
provider: xai
models:
  grok-3:
    input: 3.00
    output: 15.00
    cached_input: 0.75
`)))

		p, ok := c.Lookup("xai", "grok-3")
		require.True(t, ok)
		assert.InDelta(t, 0.75, p.CacheRead, 1e-9)
	})

	t.Run("MissingProvider", func(t *testing.T) {
		t.Parallel()
		c := NewCatalog()
		assert.Error(t, c.LoadDescriptor([]byte(`models: {}`)))
	})
}

func TestLookupFallthroughs(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: openai
models:
  gpt-4o:
    input: 2.50
    output: 10.00
`)))

	tests := []struct {
		name  string
		model string
		found bool
	}{
		{"Exact", "gpt-4o", true},
		{"UpperCase", "GPT-4o", true},
		{"ProviderQualified", "openai/gpt-4o", true},
		{"Unknown", "gpt-99", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, ok := c.Lookup("openai", tc.model)
			assert.Equal(t, tc.found, ok)
		})
	}
}

func TestLookupOrZero(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	p := c.LookupOrZero(context.Background(), "openai", "unknown-model")
	assert.Zero(t, p.Input)
	assert.Zero(t, p.Output)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	require.NoError(t, c.LoadDefaults())

	_, ok := c.Lookup("openai", "gpt-4o")
	assert.True(t, ok)
	_, ok = c.Lookup("anthropic", "claude-sonnet-4-20250514")
	assert.True(t, ok)

	providers := c.ProvidersForModel("grok-3")
	assert.Contains(t, providers, "xai")
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(`
provider: openai
models:
  my-tuned-model:
    input: 1.00
    output: 2.00
`), 0o644))

	c := NewCatalog()
	require.NoError(t, c.LoadDir(dir))
	_, ok := c.Lookup("openai", "my-tuned-model")
	assert.True(t, ok)

	// A missing directory leaves the catalog empty but is not an error.
	require.NoError(t, c.LoadDir(filepath.Join(dir, "missing")))
}

func TestReplaceProvider(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: openrouter
models:
  old/model:
    input: 1.00
    output: 2.00
`)))

	c.ReplaceProvider("openrouter", map[string]Price{
		"new/model": {Input: 3, Output: 4},
	})

	_, ok := c.Lookup("openrouter", "old/model")
	assert.False(t, ok)
	p, ok := c.Lookup("openrouter", "new/model")
	require.True(t, ok)
	assert.InDelta(t, 3.0, p.Input, 1e-9)
}

func TestCompute(t *testing.T) {
	t.Parallel()

	price := Price{Input: 3.0, Output: 15.0, CacheWrite: 3.75, CacheRead: 0.30}

	t.Run("AllClasses", func(t *testing.T) {
		t.Parallel()
		u := canonical.Usage{
			InputTokens:      1000,
			OutputTokens:     500,
			CacheWriteTokens: 2000,
			CacheReadTokens:  10000,
		}
		c := Compute(price, u)
		assert.InDelta(t, 0.003, c.Input, 1e-9)
		assert.InDelta(t, 0.0075, c.Output, 1e-9)
		assert.InDelta(t, 0.0075, c.CacheWrite, 1e-9)
		assert.InDelta(t, 0.003, c.CacheRead, 1e-9)
		assert.InDelta(t, 0.021, c.Total, 1e-9)
	})

	t.Run("TotalEqualsSumOfRoundedClasses", func(t *testing.T) {
		t.Parallel()
		u := canonical.Usage{InputTokens: 1, OutputTokens: 1}
		c := Compute(price, u)
		assert.InDelta(t, c.Input+c.Output+c.CacheWrite+c.CacheRead, c.Total, 1e-9)
	})

	t.Run("ZeroPriceZeroCost", func(t *testing.T) {
		t.Parallel()
		c := Compute(Price{}, canonical.Usage{InputTokens: 100000, OutputTokens: 100000})
		assert.Zero(t, c.Total)
	})
}

func TestRound6(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       float64
		expected float64
	}{
		{0.0000006, 0.000001},
		{0.0000004, 0},
		{-0.0000006, -0.000001},
		{1.23456789, 1.234568},
	}
	for _, tc := range tests {
		assert.InDelta(t, tc.expected, Round6(tc.in), 1e-12, "Round6(%v)", tc.in)
	}
}

func TestPerMillion(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 2.5, perMillion("0.0000025"), 1e-9)
	assert.Zero(t, perMillion(""))
	assert.Zero(t, perMillion("not a number"))
	assert.Zero(t, perMillion("-1"))
}

func TestProvidersForModelSlashNames(t *testing.T) {
	t.Parallel()

	c := NewCatalog()
	require.NoError(t, c.LoadDescriptor([]byte(`
provider: openrouter
models:
  meta-llama/llama-3.1-70b-instruct:
    input: 0.3
    output: 0.4
`)))

	// Vendor-qualified names are stored whole; the full name must resolve.
	providers := c.ProvidersForModel("meta-llama/llama-3.1-70b-instruct")
	assert.Contains(t, providers, "openrouter")

	providers = c.ProvidersForModel("Meta-Llama/Llama-3.1-70B-Instruct")
	assert.Contains(t, providers, "openrouter")

	assert.Empty(t, c.ProvidersForModel("meta-llama/unknown"))
}
