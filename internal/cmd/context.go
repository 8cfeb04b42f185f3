package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/budget"
	"github.com/modelgate/modelgate/internal/build"
	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/frontend"
	"github.com/modelgate/modelgate/internal/frontend/api"
	"github.com/modelgate/modelgate/internal/logger"
	"github.com/modelgate/modelgate/internal/metrics"
	"github.com/modelgate/modelgate/internal/models"
	"github.com/modelgate/modelgate/internal/pipeline"
	"github.com/modelgate/modelgate/internal/pricing"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/router"
	"github.com/modelgate/modelgate/internal/usage"

	_ "github.com/modelgate/modelgate/internal/adapter/anthropic"
	_ "github.com/modelgate/modelgate/internal/adapter/openaichat"
	_ "github.com/modelgate/modelgate/internal/adapter/openairesponses"
	_ "github.com/modelgate/modelgate/internal/provider/allproviders"
)

// Context holds the loaded configuration for one command invocation.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
}

// NewContext loads configuration and attaches a logger to the command
// context.
func NewContext(cmd *cobra.Command) (*Context, error) {
	ctx := cmd.Context()

	var loaderOpts []config.LoaderOption
	if cfgFile != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgFile))
	}

	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var opts []logger.Option
	if cfg.Global.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if cfg.Global.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.Global.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
	}, nil
}

// NewServer assembles the full gateway: pricing catalog, usage ledger,
// budget, metrics, router, pipeline and HTTP surface. The returned cleanup
// closes the database and stops the refresh schedule.
func (c *Context) NewServer() (*frontend.Server, func(), error) {
	cfg := c.Config

	catalog := pricing.NewCatalog()
	if err := catalog.LoadDefaults(); err != nil {
		return nil, nil, fmt.Errorf("failed to load default pricing: %w", err)
	}
	if err := catalog.LoadDir(cfg.Pricing.Dir); err != nil {
		return nil, nil, fmt.Errorf("failed to load pricing dir: %w", err)
	}

	refresher := pricing.NewRefresher(catalog, cfg.Pricing.Dir)
	refresher.SetURL(cfg.Pricing.RefreshURL)
	if cfg.Pricing.RefreshSchedule != "" {
		if err := refresher.Schedule(c, cfg.Pricing.RefreshSchedule); err != nil {
			return nil, nil, err
		}
	}

	db, err := usage.OpenDB(cfg.Database.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	cleanup := func() {
		refresher.Stop()
		_ = db.Close()
	}

	m := metrics.New(build.Version)
	registry := metrics.NewRegistry(m)

	store := usage.NewStore(db, catalog,
		usage.WithRecordLimit(cfg.Usage.RecordLimit),
		usage.WithRecorder(m),
	)
	budgetSvc := budget.New(db, store)
	modelSvc := models.New(catalog, cfg.ConfiguredProviders())

	rt := router.New(catalog, cfg.ConfiguredProviders())
	p := pipeline.New(rt, c.pipelineOptions(store, budgetSvc, m)...)

	a := api.New(p, store, budgetSvc, modelSvc, registry, cfg)
	return frontend.NewServer(a, cfg), cleanup, nil
}

func (c *Context) pipelineOptions(store *usage.Store, budgetSvc *budget.Service, m *metrics.Metrics) []pipeline.Option {
	cfg := c.Config
	opts := []pipeline.Option{
		pipeline.WithUsageStore(store),
		pipeline.WithBudget(budgetSvc),
		pipeline.WithMetrics(m),
		pipeline.WithCanonicalMode(cfg.Global.CanonicalMode),
		pipeline.WithTimeouts(cfg.Timeouts.Stream, cfg.Timeouts.Request),
	}
	for _, pr := range cfg.Providers {
		if !pr.Configured {
			continue
		}
		pc := provider.DefaultConfig()
		pc.APIKey = pr.APIKey
		if pr.BaseURL != "" {
			pc.BaseURL = pr.BaseURL
		}
		opts = append(opts, pipeline.WithProviderConfig(pr.Type, pc))
	}
	return opts
}
