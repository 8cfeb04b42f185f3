package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/provider"
)

// clearEnv blanks every variable the loader inspects so tests do not
// inherit credentials from the host.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY",
		"ANTHROPIC_API_KEY",
		"XAI_API_KEY",
		"OPENROUTER_API_KEY",
		"OLLAMA_HOST",
		"CANONICAL_MODE",
		"MODELGATE_PORT",
		"MODELGATE_HOST",
		"MODELGATE_PRICING_DIR",
	} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := config.Load(config.WithoutDotEnv())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "text", cfg.Global.LogFormat)
	assert.False(t, cfg.Global.CanonicalMode)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Request)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Stream)
	assert.Equal(t, 100, cfg.Usage.RecordLimit)

	require.Len(t, cfg.Providers, 5)
	assert.Equal(t, provider.TypeOpenAI, cfg.Providers[0].Type)
	assert.Equal(t, provider.TypeAnthropic, cfg.Providers[1].Type)
	assert.Equal(t, provider.TypeXAI, cfg.Providers[2].Type)
	assert.Equal(t, provider.TypeOpenRouter, cfg.Providers[3].Type)
	assert.Equal(t, provider.TypeOllama, cfg.Providers[4].Type)

	assert.Equal(t, []provider.Type{provider.TypeOpenAI}, cfg.ConfiguredProviders())
	assert.True(t, cfg.HasAPIKeys())
}

func TestLoadNoProvidersFails(t *testing.T) {
	clearEnv(t)

	_, err := config.Load(config.WithoutDotEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no providers configured")
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("MODELGATE_PORT", "9090")
	t.Setenv("MODELGATE_HOST", "0.0.0.0")
	t.Setenv("MODELGATE_PRICING_DIR", "/etc/modelgate/pricing")

	cfg, err := config.Load(config.WithoutDotEnv())
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "/etc/modelgate/pricing", cfg.Pricing.Dir)
	assert.Equal(t, []provider.Type{provider.TypeAnthropic}, cfg.ConfiguredProviders())
}

func TestLoadCanonicalModeEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CANONICAL_MODE", "1")

	cfg, err := config.Load(config.WithoutDotEnv())
	require.NoError(t, err)
	assert.True(t, cfg.Global.CanonicalMode)
}

func TestLoadOllamaViaHostEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_HOST", "http://localhost:11434")

	cfg, err := config.Load(config.WithoutDotEnv())
	require.NoError(t, err)

	assert.Equal(t, []provider.Type{provider.TypeOllama}, cfg.ConfiguredProviders())
	assert.False(t, cfg.HasAPIKeys())
	assert.Equal(t, "http://localhost:11434", cfg.Providers[4].BaseURL)
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("XAI_API_KEY", "xai-test")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 7070
basePath: /gateway/
pricing:
  refreshSchedule: "0 3 * * *"
timeouts:
  requestSeconds: 30
providers:
  priority:
    - xai
    - openai
`), 0o600))

	cfg, err := config.Load(config.WithoutDotEnv(), config.WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/gateway", cfg.Server.BasePath)
	assert.Equal(t, "0 3 * * *", cfg.Pricing.RefreshSchedule)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Request)
	assert.Equal(t, path, cfg.Global.ConfigPath)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, provider.TypeXAI, cfg.Providers[0].Type)
	assert.Equal(t, provider.TypeOpenAI, cfg.Providers[1].Type)
	assert.Equal(t, []provider.Type{provider.TypeXAI}, cfg.ConfiguredProviders())
}

func TestLoadInvalidPriority(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  priority:
    - bedrock
`), 0o600))

	_, err := config.Load(config.WithoutDotEnv(), config.WithConfigFile(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid provider")
}

func TestLoadOllamaEnabledInConfig(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  ollama:
    enabled: true
`), 0o600))

	cfg, err := config.Load(config.WithoutDotEnv(), config.WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, []provider.Type{provider.TypeOllama}, cfg.ConfiguredProviders())

	status := cfg.ProviderStatus()
	assert.True(t, status["ollama"])
	assert.False(t, status["openai"])
}

func TestValidatePortRange(t *testing.T) {
	cfg := &config.Config{
		Server:    config.Server{Port: 70000},
		Providers: []config.Provider{{Type: provider.TypeOpenAI, APIKey: "k", Configured: true}},
	}
	require.Error(t, cfg.Validate())

	cfg.Server.Port = 8080
	require.NoError(t, cfg.Validate())
}
