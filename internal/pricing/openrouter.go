package pricing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"

	"github.com/modelgate/modelgate/internal/logger"
)

// DefaultCatalogURL is OpenRouter's public model catalog endpoint.
const DefaultCatalogURL = "https://openrouter.ai/api/v1/models"

// openRouterModel is one entry of the live catalog. Prices arrive as
// decimal strings in currency per token.
type openRouterModel struct {
	ID      string `json:"id"`
	Pricing struct {
		Prompt          string `json:"prompt"`
		Completion      string `json:"completion"`
		InputCacheRead  string `json:"input_cache_read"`
		InputCacheWrite string `json:"input_cache_write"`
	} `json:"pricing"`
}

type openRouterCatalog struct {
	Data []openRouterModel `json:"data"`
}

// Refresher periodically re-fetches OpenRouter pricing from the live
// catalog and writes the result back to the on-disk snapshot. A failed
// refresh leaves the existing entries intact.
type Refresher struct {
	catalog     *Catalog
	client      *resty.Client
	url         string
	snapshotDir string
	cron        *cron.Cron
}

// NewRefresher creates a refresher for the given catalog. snapshotDir may
// be empty to skip snapshot writes.
func NewRefresher(catalog *Catalog, snapshotDir string) *Refresher {
	return &Refresher{
		catalog: catalog,
		client: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2),
		url:         DefaultCatalogURL,
		snapshotDir: snapshotDir,
	}
}

// SetURL overrides the catalog endpoint, for mirrors and tests.
func (r *Refresher) SetURL(url string) {
	if url != "" {
		r.url = url
	}
}

// Refresh fetches the live catalog once and swaps in the result.
func (r *Refresher) Refresh(ctx context.Context) error {
	var parsed openRouterCatalog
	resp, err := r.client.R().
		SetContext(ctx).
		SetResult(&parsed).
		Get(r.url)
	if err != nil {
		return fmt.Errorf("failed to fetch openrouter catalog: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("openrouter catalog returned %d", resp.StatusCode())
	}
	if len(parsed.Data) == 0 {
		return fmt.Errorf("openrouter catalog is empty")
	}

	models := make(map[string]Price, len(parsed.Data))
	for _, m := range parsed.Data {
		models[m.ID] = Price{
			Input:      perMillion(m.Pricing.Prompt),
			Output:     perMillion(m.Pricing.Completion),
			CacheWrite: perMillion(m.Pricing.InputCacheWrite),
			CacheRead:  perMillion(m.Pricing.InputCacheRead),
		}
	}
	r.catalog.ReplaceProvider("openrouter", models)
	logger.Info(ctx, "Refreshed openrouter pricing", "models", len(models))

	if r.snapshotDir != "" {
		if err := r.writeSnapshot(); err != nil {
			logger.Warn(ctx, "Failed to write pricing snapshot", "err", err)
		}
	}
	return nil
}

// Schedule starts periodic refreshes on the given cron expression. The
// first refresh runs according to the schedule, not immediately.
func (r *Refresher) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := r.Refresh(ctx); err != nil {
			logger.Warn(ctx, "Scheduled pricing refresh failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the refresh schedule.
func (r *Refresher) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

func (r *Refresher) writeSnapshot() error {
	desc := Descriptor{
		Provider: "openrouter",
		Currency: r.catalog.Currency(),
		Unit:     "per_million_tokens",
		Models:   make(map[string]map[string]float64),
		Metadata: map[string]string{
			"refreshed_at": time.Now().UTC().Format(time.RFC3339),
			"source":       r.url,
		},
	}
	for model, price := range r.catalog.Snapshot("openrouter") {
		entry := map[string]float64{
			"input":  price.Input,
			"output": price.Output,
		}
		if price.CacheWrite > 0 {
			entry["cache_write"] = price.CacheWrite
		}
		if price.CacheRead > 0 {
			entry["cache_read"] = price.CacheRead
		}
		desc.Models[model] = entry
	}

	data, err := yaml.Marshal(desc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.snapshotDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(r.snapshotDir, "openrouter.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// perMillion converts OpenRouter's per-token decimal string to a
// per-million-token rate. Unparseable or absent values price as zero.
func perMillion(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v * tokensPerUnit
}
