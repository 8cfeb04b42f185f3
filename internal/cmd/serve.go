package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/logger"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Start the gateway HTTP server",
		Long: `Start the gateway server that accepts chat requests in the OpenAI chat,
OpenAI responses and Anthropic messages formats and proxies them to the
configured providers.

Provider credentials are read from the environment:
  OPENAI_API_KEY, ANTHROPIC_API_KEY, XAI_API_KEY, OPENROUTER_API_KEY

Example:
  modelgate serve --host=0.0.0.0 --port=8080
`,
		RunE: runServe,
	}

	cmd.Flags().StringP("host", "s", "", "server host (overrides config)")
	cmd.Flags().IntP("port", "p", 0, "server port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, err := NewContext(cmd)
	if err != nil {
		return err
	}

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		ctx.Config.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		ctx.Config.Server.Port = port
	}

	logger.Info(ctx, "Server initialization",
		"host", ctx.Config.Server.Host,
		"port", ctx.Config.Server.Port,
		"providers", providerNames(ctx))

	server, cleanup, err := ctx.NewServer()
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	defer cleanup()

	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func providerNames(ctx *Context) []string {
	types := ctx.Config.ConfiguredProviders()
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}
	return names
}
