// Package router resolves a requested model to a configured provider.
package router

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"github.com/modelgate/modelgate/internal/canonical"
	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/provider"
)

var (
	// ErrNoProviders is returned when the process has no configured
	// providers at all. Maps to HTTP 503.
	ErrNoProviders = errors.New("no providers configured")

	// ErrModelNotSupported is returned when no configured provider carries
	// the model. Maps to HTTP 400.
	ErrModelNotSupported = errors.New("model not supported by any configured provider")
)

// Router picks a provider for each request. Configured providers are kept
// in priority order as listed in process configuration.
type Router struct {
	catalog    *pricing.Catalog
	configured []provider.Type
}

// New creates a router over the given catalog and configured provider list.
func New(catalog *pricing.Catalog, configured []provider.Type) *Router {
	return &Router{catalog: catalog, configured: configured}
}

// Resolution is the outcome of routing one request.
type Resolution struct {
	// Provider is the selected provider.
	Provider provider.Type

	// Model is the bare model name, with any provider qualifier stripped.
	Model string
}

// Resolve maps a model string (possibly "provider/model" qualified) and an
// optional client hint to a configured provider. Precedence: explicit
// prefix, then hint, then catalog order filtered by configuration priority.
func (r *Router) Resolve(model, hint string) (Resolution, error) {
	if len(r.configured) == 0 {
		return Resolution{}, ErrNoProviders
	}

	if qualifier, bare, ok := canonical.SplitModel(model); ok {
		if t, err := provider.ParseType(qualifier); err == nil {
			if r.isConfigured(t) {
				return Resolution{Provider: t, Model: bare}, nil
			}
			return Resolution{}, fmt.Errorf("%w: provider %q is not configured", ErrModelNotSupported, qualifier)
		}
		// Not a provider qualifier (e.g. "meta-llama/llama-3"): fall through
		// with the full string intact.
	}

	if hint != "" {
		if t, err := provider.ParseType(hint); err == nil && r.isConfigured(t) {
			return Resolution{Provider: t, Model: model}, nil
		}
	}

	capable := r.catalog.ProvidersForModel(model)
	for _, t := range r.configured {
		if lo.Contains(capable, string(t)) {
			return Resolution{Provider: t, Model: model}, nil
		}
	}

	return Resolution{}, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
}

// Configured returns the configured providers in priority order.
func (r *Router) Configured() []provider.Type {
	return append([]provider.Type(nil), r.configured...)
}

func (r *Router) isConfigured(t provider.Type) bool {
	return lo.Contains(r.configured, t)
}
