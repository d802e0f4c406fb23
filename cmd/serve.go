package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sengokulabs/shogun/internal/coordinator"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/tracing"

	// Register concrete providers with the registry.
	_ "github.com/sengokulabs/shogun/internal/provider/claude"
	_ "github.com/sengokulabs/shogun/internal/provider/mock"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator daemon",
	Long: `Run the coordinator: watch the mailbox, route messages through the
agent fleet, and keep every store crash-safe.

The process exits 0 after SIGINT/SIGTERM and 75 after a restart request
was processed, so a supervising loop can respawn it:

  while shogun serve; [ $? -eq 75 ]; do :; done`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layout := cfg.Layout(workspace)
	if err := layout.EnsureSkeleton(); err != nil {
		return fmt.Errorf("preparing workspace: %w", err)
	}

	closeLog, err := log.Init(log.Config{
		Level:   cfg.Log.Level,
		Path:    layout.LogFile(),
		Console: cfg.Log.Console,
	})
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	defer func() { _ = closeLog() }()

	traceFile := cfg.Tracing.FilePath
	if traceFile == "" {
		traceFile = filepath.Join(layout.LogsDir(), "traces.jsonl")
	}
	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     traceFile,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	coord, err := coordinator.New(coordinator.Options{
		Config:    cfg,
		Workspace: workspace,
		Tracer:    tp.Tracer(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("shogun coordinator running (base %s)\n", layout.Base)
	err = coord.Run(ctx)
	switch {
	case errors.Is(err, coordinator.ErrRestartRequested):
		fmt.Println("restart requested, exiting for respawn")
		return err
	case err != nil:
		return fmt.Errorf("coordinator: %w", err)
	}
	fmt.Println("coordinator stopped")
	return nil
}
