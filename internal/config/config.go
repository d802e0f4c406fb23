// Package config provides configuration types and defaults for the
// coordinator.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/paths"
)

// Config holds all configuration options for the coordinator.
type Config struct {
	// BaseDir is the coordinator directory, resolved against the workspace
	// root. Default: ".shogun".
	BaseDir string `mapstructure:"baseDir"`

	// HistoryDir is the message archive root. Default: "<baseDir>/history".
	HistoryDir string `mapstructure:"historyDir"`

	// AshigaruCount is the number of worker agents. Default: 5.
	AshigaruCount int `mapstructure:"ashigaruCount"`

	// Provider selects the registered agent provider. Default: "claude".
	Provider string `mapstructure:"provider"`

	Models           ModelsConfig           `mapstructure:"models"`
	ProviderSpecific ProviderSpecificConfig `mapstructure:"providerSpecific"`

	// AshigaruProfiles maps agent ids (e.g. "ashigaru2") to extra prompt
	// text describing that worker's specialty.
	AshigaruProfiles map[string]string `mapstructure:"ashigaruProfiles"`

	Server  ServerConfig  `mapstructure:"server"`
	Watch   WatchConfig   `mapstructure:"watch"`
	Log     LogConfig     `mapstructure:"log"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ModelsConfig selects the provider model per role. Empty role entries fall
// back to Default; an empty Default lets the provider pick.
type ModelsConfig struct {
	Default  string `mapstructure:"default" json:"default,omitempty"`
	Shogun   string `mapstructure:"shogun" json:"shogun,omitempty"`
	Karou    string `mapstructure:"karou" json:"karou,omitempty"`
	Ashigaru string `mapstructure:"ashigaru" json:"ashigaru,omitempty"`
}

// ProviderSpecificConfig is passed through to the provider factory.
type ProviderSpecificConfig struct {
	// Config is a provider settings file path (e.g. claude --settings).
	Config string `mapstructure:"config"`

	// Env is merged into the subprocess environment. Values are expanded
	// against the parent environment, so "${HOME}/x" works.
	Env map[string]string `mapstructure:"env"`

	// ReasoningEffort is honored by providers whose CLI exposes it.
	ReasoningEffort string `mapstructure:"reasoningEffort"`

	// AdditionalDirectories widens the provider's file access.
	AdditionalDirectories []string `mapstructure:"additionalDirectories"`
}

// ServerConfig holds the boundary transport settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WatchConfig holds mailbox watcher settings.
type WatchConfig struct {
	// ForcePolling disables fsnotify in favor of directory scans. The
	// SHOGUN_FORCE_POLLING environment variable forces this on regardless.
	ForcePolling bool `mapstructure:"forcePolling"`
}

// LogConfig holds server log settings.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Console mirrors the log to stderr in human-readable form.
	Console bool `mapstructure:"console"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: "<baseDir>/logs/traces.jsonl".
	FilePath string `mapstructure:"filePath"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sampleRate"`
}

// ModelFor returns the model for a role, falling back to the default model.
func (c Config) ModelFor(role hierarchy.Role) string {
	var model string
	switch role {
	case hierarchy.RoleShogun:
		model = c.Models.Shogun
	case hierarchy.RoleKarou:
		model = c.Models.Karou
	case hierarchy.RoleAshigaru:
		model = c.Models.Ashigaru
	}
	if model == "" {
		model = c.Models.Default
	}
	return model
}

// ProfileFor returns the extra prompt text for an agent, if configured.
func (c Config) ProfileFor(agentID string) string {
	return c.AshigaruProfiles[agentID]
}

// Layout resolves the on-disk layout for a workspace root.
func (c Config) Layout(workspace string) paths.Layout {
	return paths.Resolve(workspace, c.BaseDir, c.HistoryDir)
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		BaseDir:       "",
		HistoryDir:    "",
		AshigaruCount: hierarchy.DefaultAshigaruCount,
		Provider:      "claude",
		Server: ServerConfig{
			Port: 7777,
		},
		Watch: WatchConfig{
			ForcePolling: false,
		},
		Log: LogConfig{
			Level:   "info",
			Console: false,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from baseDir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors.
func Validate(cfg Config) error {
	if cfg.AshigaruCount < 1 || cfg.AshigaruCount > 64 {
		return fmt.Errorf("ashigaruCount must be between 1 and 64, got %d", cfg.AshigaruCount)
	}
	if cfg.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	for id := range cfg.AshigaruProfiles {
		if _, ok := hierarchy.ParseAshigaru(id); !ok {
			return fmt.Errorf("ashigaruProfiles key must be an ashigaru id like %q, got %q",
				hierarchy.AshigaruID(1), id)
		}
	}
	if err := ValidateLog(cfg.Log); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// ValidateLog checks log configuration for errors.
func ValidateLog(lc LogConfig) error {
	switch lc.Level {
	case "", "trace", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be one of trace, debug, info, warn, error, got %q", lc.Level)
	}
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tc TracingConfig) error {
	if tc.SampleRate < 0.0 || tc.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sampleRate must be between 0.0 and 1.0, got %v", tc.SampleRate)
	}

	if tc.Exporter != "" {
		switch tc.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tc.Exporter)
		}
	}

	if tc.Enabled && tc.Exporter == "otlp" && tc.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlpEndpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// Load reads configuration for a workspace. Order of precedence: explicit
// config file (if given), then "<workspace>/.shogun/config/config.yaml",
// then SHOGUN_* environment variables, then defaults. A missing config file
// is not an error; environment and defaults still apply.
//
// A ".env" file in the workspace root is loaded into the process
// environment first, so provider credentials can live beside the workspace.
func Load(workspace, configFile string) (Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load(filepath.Join(workspace, ".env"))

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigFile(paths.Resolve(workspace, "", "").ConfigFile())
	}

	v.SetEnvPrefix("SHOGUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("baseDir", defaults.BaseDir)
	v.SetDefault("historyDir", defaults.HistoryDir)
	v.SetDefault("ashigaruCount", defaults.AshigaruCount)
	v.SetDefault("provider", defaults.Provider)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("watch.forcePolling", defaults.Watch.ForcePolling)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.console", defaults.Log.Console)
	v.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.otlpEndpoint", defaults.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sampleRate", defaults.Tracing.SampleRate)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
