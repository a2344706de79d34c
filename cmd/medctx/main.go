package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "medctx",
	Short: "Local semantic search over your medical documents",
	Long: `medctx keeps medical documents in a local database, embeds them with a
local or remote embedding provider, and serves semantic and term search over
a REST API and an MCP stdio server.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(termsCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(evictCmd)
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
