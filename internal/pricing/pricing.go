// Package pricing loads per-provider model price descriptors and computes
// request costs. Prices are expressed in currency units per million tokens
// and split into four classes: input, output, cache write and cache read.
package pricing

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-yaml"
	"github.com/samber/lo"

	"github.com/modelgate/modelgate/internal/logger"
)

// Price holds the four per-million-token rates for one model.
type Price struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache_write,omitempty"`
	CacheRead  float64 `yaml:"cache_read,omitempty"`
}

// Descriptor is one provider's pricing file.
type Descriptor struct {
	Provider string                        `yaml:"provider"`
	Currency string                        `yaml:"currency"`
	Unit     string                        `yaml:"unit"`
	Models   map[string]map[string]float64 `yaml:"models"`
	Metadata map[string]string             `yaml:"metadata,omitempty"`
}

// Catalog indexes prices by (provider, model) with normalized lookup
// fall-throughs. Safe for concurrent use; refreshes swap entries under the
// write lock.
type Catalog struct {
	mu       sync.RWMutex
	entries  map[string]Price    // "provider/model" -> price
	models   map[string][]string // normalized model -> providers carrying it
	currency string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		entries:  make(map[string]Price),
		models:   make(map[string][]string),
		currency: "USD",
	}
}

// LoadDir loads every .yaml/.yml descriptor in dir into the catalog.
// Missing directory is not an error: the gateway then runs with zero-cost
// accounting.
func (c *Catalog) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read pricing dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", e.Name(), err)
		}
		if err := c.LoadDescriptor(data); err != nil {
			return fmt.Errorf("failed to load %s: %w", e.Name(), err)
		}
	}
	return nil
}

// LoadFS loads descriptors from an fs.FS, used for the embedded defaults.
func (c *Catalog) LoadFS(fsys fs.FS, root string) error {
	return fs.WalkDir(fsys, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isYAML(path) {
			return err
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		return c.LoadDescriptor(data)
	})
}

// LoadDescriptor parses one provider descriptor and merges it in.
func (c *Catalog) LoadDescriptor(data []byte) error {
	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if desc.Provider == "" {
		return fmt.Errorf("descriptor missing provider")
	}

	normalize := normalizerFor(desc.Provider)
	prices := make(map[string]Price, len(desc.Models))
	for model, raw := range desc.Models {
		prices[NormalizeModel(desc.Provider, model)] = normalize(raw)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if desc.Currency != "" {
		c.currency = desc.Currency
	}
	for model, price := range prices {
		c.entries[desc.Provider+"/"+model] = price
		if !lo.Contains(c.models[model], desc.Provider) {
			c.models[model] = append(c.models[model], desc.Provider)
		}
	}
	return nil
}

// ReplaceProvider swaps all entries for one provider atomically, used by
// the OpenRouter catalog refresh.
func (c *Catalog) ReplaceProvider(provider string, models map[string]Price) {
	prefix := provider + "/"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	for model, list := range c.models {
		c.models[model] = lo.Without(list, provider)
		if len(c.models[model]) == 0 {
			delete(c.models, model)
		}
	}
	for model, price := range models {
		normalized := NormalizeModel(provider, model)
		c.entries[prefix+normalized] = price
		if !lo.Contains(c.models[normalized], provider) {
			c.models[normalized] = append(c.models[normalized], provider)
		}
	}
}

// Lookup finds the price for (provider, model), trying the normalized name,
// the name without a provider prefix, then the raw string.
func (c *Catalog) Lookup(provider, model string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	candidates := []string{
		NormalizeModel(provider, model),
		stripPrefix(model),
		model,
	}
	for _, name := range candidates {
		if p, ok := c.entries[provider+"/"+name]; ok {
			return p, true
		}
	}
	return Price{}, false
}

// LookupOrZero returns the price or, on a miss, a zero price plus a warning.
// Unknown models are still recorded, at zero cost.
func (c *Catalog) LookupOrZero(ctx context.Context, provider, model string) Price {
	p, ok := c.Lookup(provider, model)
	if !ok {
		logger.Warn(ctx, "No pricing entry for model, recording zero cost",
			"provider", provider, "model", model)
	}
	return p
}

// ProvidersForModel returns the providers whose catalog carries the model,
// in descriptor load order. Used by the router's static model map. Slash
// names are stored whole when the prefix is not a provider name, so the
// full lowered name is tried before the stripped one.
func (c *Catalog) ProvidersForModel(model string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lowered := strings.ToLower(strings.TrimSpace(model))
	for _, name := range []string{lowered, stripPrefix(lowered)} {
		if list, ok := c.models[name]; ok {
			return append([]string(nil), list...)
		}
	}
	return nil
}

// Currency returns the catalog currency code.
func (c *Catalog) Currency() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currency
}

// Snapshot returns a copy of one provider's entries, used when writing the
// on-disk snapshot after a refresh.
func (c *Catalog) Snapshot(provider string) map[string]Price {
	prefix := provider + "/"

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Price)
	for key, price := range c.entries {
		if model, ok := strings.CutPrefix(key, prefix); ok {
			out[model] = price
		}
	}
	return out
}

// NormalizeModel lowercases the model and collapses a redundant provider
// prefix ("anthropic/claude-3-opus" -> "claude-3-opus" for anthropic).
func NormalizeModel(provider, model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if rest, ok := strings.CutPrefix(model, strings.ToLower(provider)+"/"); ok {
		return rest
	}
	return model
}

func stripPrefix(model string) string {
	if _, rest, ok := strings.Cut(model, "/"); ok {
		return rest
	}
	return model
}

// normalizerFor returns the vendor key coalescer for a provider. Anthropic
// splits cache writes by TTL; xAI calls cache reads "cached_input".
func normalizerFor(provider string) func(map[string]float64) Price {
	switch provider {
	case "anthropic":
		return func(raw map[string]float64) Price {
			p := baseNormalize(raw)
			if v, ok := raw["5m_cache_write"]; ok && p.CacheWrite == 0 {
				p.CacheWrite = v
			}
			if v, ok := raw["1h_cache_write"]; ok && p.CacheWrite == 0 {
				p.CacheWrite = v
			}
			return p
		}
	case "xai":
		return func(raw map[string]float64) Price {
			p := baseNormalize(raw)
			if v, ok := raw["cached_input"]; ok && p.CacheRead == 0 {
				p.CacheRead = v
			}
			return p
		}
	default:
		return baseNormalize
	}
}

func baseNormalize(raw map[string]float64) Price {
	return Price{
		Input:      raw["input"],
		Output:     raw["output"],
		CacheWrite: raw["cache_write"],
		CacheRead:  raw["cache_read"],
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
