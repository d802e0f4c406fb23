package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sengokulabs/shogun/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the workspace skeleton and default config",
	Long: `Create the coordinator directory tree under the workspace root and
write a commented default config file if none exists yet.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := cfg.Layout(workspace)
	if err := layout.EnsureSkeleton(); err != nil {
		return fmt.Errorf("creating skeleton: %w", err)
	}

	configFile := layout.ConfigFile()
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err := config.WriteDefaultConfig(configFile); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configFile)
	} else {
		fmt.Printf("config already exists at %s\n", configFile)
	}

	fmt.Printf("workspace ready at %s\n", layout.Base)
	return nil
}
