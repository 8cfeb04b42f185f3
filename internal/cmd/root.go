// Package cmd wires the gateway's command line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/modelgate/modelgate/internal/build"
)

var (
	// cfgFile parameter
	cfgFile string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   build.Slug,
		Short: "Self-hosted gateway for OpenAI, Anthropic, xAI, OpenRouter and Ollama.",
		Long: `ModelGate is a self-hosted LLM gateway.

It accepts requests in the OpenAI chat, OpenAI responses and Anthropic
messages formats, routes each model to a configured provider, translates or
forwards the request, and accounts token usage and cost per request.
`,
	}
)

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(
		&cfgFile, "config", "c", "",
		"config file (default is ./config.yaml or $HOME/."+build.Slug+"/config.yaml)",
	)

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())
}
