package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sengokulabs/shogun/internal/restart"
)

var restartReason string

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Ask the running coordinator to restart",
	Long: `Drop a restart request into the coordinator's restart queue. The
daemon finishes in-flight work, archives the request, and exits with
code 75 so its supervising loop respawns it.`,
	RunE: runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)

	restartCmd.Flags().StringVar(&restartReason, "reason", "", "why the restart is needed")
}

func runRestart(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id, err := restart.Write(cfg.Layout(workspace).RestartDir(), restartReason)
	if err != nil {
		return err
	}
	fmt.Printf("restart requested (%s)\n", id)
	return nil
}
