// Package main is the entry point for the shogun coordinator.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sengokulabs/shogun/cmd"
	"github.com/sengokulabs/shogun/internal/coordinator"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, coordinator.ErrRestartRequested) {
			os.Exit(coordinator.ExitCodeRestart)
		}
		os.Exit(1)
	}
}
