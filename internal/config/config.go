// Package config loads gateway configuration from a YAML file, the
// environment and an optional .env file, detects which providers carry
// credentials, and validates the result at boot.
package config

import (
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/provider"
)

// Mode describes how the gateway is paid for. Only BYOK ships today; the
// other modes are reserved for the payments module.
type Mode string

const (
	ModeBYOK     Mode = "byok"
	ModeHybrid   Mode = "hybrid"
	ModeX402Only Mode = "x402-only"
)

// Config is the fully resolved gateway configuration.
type Config struct {
	Global   Global
	Server   Server
	Pricing  Pricing
	Database Database
	Usage    Usage
	Timeouts Timeouts

	// Providers lists every known provider with its credential state,
	// in routing priority order.
	Providers []Provider

	Warnings []string
}

// Global holds process-wide settings.
type Global struct {
	Debug         bool
	LogFormat     string
	TZ            string
	Environment   string
	CanonicalMode bool
	ConfigPath    string
}

// Server holds the HTTP front door settings.
type Server struct {
	Host     string
	Port     int
	BasePath string
}

// Pricing holds catalog settings.
type Pricing struct {
	Dir             string
	RefreshSchedule string
	RefreshURL      string
}

// Database holds the embedded DB location.
type Database struct {
	Path string
}

// Usage holds accounting settings.
type Usage struct {
	RecordLimit int
}

// Timeouts bound upstream calls.
type Timeouts struct {
	Request time.Duration
	Stream  time.Duration
}

// Provider is one upstream with its resolved credential.
type Provider struct {
	Type    provider.Type
	APIKey  string
	BaseURL string
	// Configured is true when the provider is usable: it has a key, or
	// needs none.
	Configured bool
}

// ConfiguredProviders returns the usable providers in priority order.
func (c *Config) ConfiguredProviders() []provider.Type {
	var out []provider.Type
	for _, p := range c.Providers {
		if p.Configured {
			out = append(out, p.Type)
		}
	}
	return out
}

// ProviderStatus maps provider name to credential presence, for the
// config status endpoint.
func (c *Config) ProviderStatus() map[string]bool {
	out := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		out[string(p.Type)] = p.Configured
	}
	return out
}

// HasAPIKeys reports whether any provider carries an explicit credential.
func (c *Config) HasAPIKeys() bool {
	for _, p := range c.Providers {
		if p.APIKey != "" {
			return true
		}
	}
	return false
}

// Validate fails when the gateway could not serve a single request.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Server.Port)
	}
	if len(c.ConfiguredProviders()) == 0 {
		return fmt.Errorf("no providers configured: set at least one of %s",
			"OPENAI_API_KEY, ANTHROPIC_API_KEY, XAI_API_KEY, OPENROUTER_API_KEY, or run a local ollama")
	}
	return nil
}
