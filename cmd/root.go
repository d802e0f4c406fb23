// Package cmd implements the shogun command line interface.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/sengokulabs/shogun/internal/config"
)

var (
	version   = "dev"
	cfgFile   string
	workspace string
)

var rootCmd = &cobra.Command{
	Use:   "shogun",
	Short: "Hierarchical multi-agent coordinator",
	Long: `shogun runs a fleet of LLM agents (one shogun, one karou, and a
configurable number of ashigaru workers) that exchange work over a
crash-safe file mailbox. The king (you) drops orders into the mailbox;
the fleet plans, delegates, and reports back.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: <workspace>/.shogun/config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".",
		"workspace root the coordinator runs against")
}

// loadConfig resolves configuration for the current workspace flags.
func loadConfig() (config.Config, error) {
	return config.Load(workspace, cfgFile)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
