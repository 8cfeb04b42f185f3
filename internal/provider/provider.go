// Package provider defines the upstream inference provider abstraction:
// a registry of provider clients that accept canonical requests and return
// either a complete canonical response or an undecoded byte stream.
package provider

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/modelgate/modelgate/internal/canonical"
)

// Type identifies an upstream inference provider.
type Type string

const (
	TypeOpenAI     Type = "openai"
	TypeAnthropic  Type = "anthropic"
	TypeXAI        Type = "xai"
	TypeOpenRouter Type = "openrouter"
	TypeOllama     Type = "ollama"
)

// ParseType parses a provider name, accepting common aliases.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "openai":
		return TypeOpenAI, nil
	case "anthropic", "claude":
		return TypeAnthropic, nil
	case "xai", "grok":
		return TypeXAI, nil
	case "openrouter":
		return TypeOpenRouter, nil
	case "ollama", "local", "vllm", "llama":
		return TypeOllama, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidProvider, s)
	}
}

// Provider is the interface implemented by each upstream client.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// ChatCompletion sends a canonical request and returns the complete
	// canonical response.
	ChatCompletion(ctx context.Context, req *canonical.Request) (*canonical.Response, error)

	// StreamingResponse sends a canonical request with streaming enabled and
	// returns the raw, undecoded byte stream from the provider. The caller
	// owns closing the stream.
	StreamingResponse(ctx context.Context, req *canonical.Request) (io.ReadCloser, error)
}

// Factory creates a provider from a config.
type Factory func(cfg Config) (Provider, error)

var registry = make(map[Type]Factory)

// RegisterProvider registers a provider factory. Called from provider
// package init functions.
func RegisterProvider(t Type, factory Factory) {
	registry[t] = factory
}

// NewProvider creates a provider of the given type.
func NewProvider(t Type, cfg Config) (Provider, error) {
	factory, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidProvider, t)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL(t)
	}
	return factory(cfg)
}

// DefaultAPIKeyEnvVar returns the conventional environment variable holding
// the provider's credential. Ollama runs locally and needs none.
func DefaultAPIKeyEnvVar(t Type) string {
	switch t {
	case TypeOpenAI:
		return "OPENAI_API_KEY"
	case TypeAnthropic:
		return "ANTHROPIC_API_KEY"
	case TypeXAI:
		return "XAI_API_KEY"
	case TypeOpenRouter:
		return "OPENROUTER_API_KEY"
	default:
		return ""
	}
}

// DefaultBaseURL returns the default API endpoint for the provider.
func DefaultBaseURL(t Type) string {
	switch t {
	case TypeOpenAI:
		return "https://api.openai.com/v1"
	case TypeAnthropic:
		return "https://api.anthropic.com"
	case TypeXAI:
		return "https://api.x.ai"
	case TypeOpenRouter:
		return "https://openrouter.ai/api/v1"
	case TypeOllama:
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// GetAPIKeyFromEnv reads the provider's credential from the environment.
func GetAPIKeyFromEnv(t Type) string {
	env := DefaultAPIKeyEnvVar(t)
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}
