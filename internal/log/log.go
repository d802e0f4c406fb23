// Package log configures the process-wide structured logger.
//
// The daemon writes JSON lines to {baseDir}/logs/server.log so that
// external tooling can tail and parse coordinator activity. Interactive
// commands may additionally mirror output to a human-readable console
// writer on stderr.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Packages derive component
// loggers from it via WithComponent.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string

	// Path is the log file to append JSON lines to. Empty disables
	// file output. Parent directories are created.
	Path string

	// Console mirrors output to a human-readable writer on stderr.
	Console bool
}

// Init initializes the global logger. It returns a close function for
// the underlying log file (a no-op when no file is configured).
func Init(cfg Config) (func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writers []io.Writer
	closeFn := func() error { return nil }

	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		})
	}

	var out io.Writer
	if len(writers) == 1 {
		out = writers[0]
	} else {
		out = zerolog.MultiLevelWriter(writers...)
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
	return closeFn, nil
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithAgent creates a child logger scoped to one agent.
func WithAgent(agentID string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Logger()
}
