// Package cmd defines the CLI commands for the crawl-lifecycle executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-lifecycle/internal/config"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl-lifecycle",
		Short: "A crawler host with coordinated graceful shutdown",
		Long: `crawl-lifecycle runs an embedded web crawler under a shutdown
coordinator. On SIGINT, SIGTERM or SIGQUIT the coordinator drains
in-flight fetches, releases registered resources in order, writes a
verified checkpoint of the crawl state, and reports how the run went.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newCheckpointCmd())
	return cmd
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// Execute is the entry point called by main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
