package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Shogun Coordinator Configuration

# Coordinator directory, resolved against the workspace root
# baseDir: .shogun

# Message archive root (default: <baseDir>/history)
# historyDir: .shogun/history

# Number of worker agents (ashigaru1..ashigaruN)
ashigaruCount: 5

# Agent provider: "claude" (default) or "mock"
provider: claude

# Model selection per role. Empty entries fall back to default;
# an empty default lets the provider pick.
models:
  default: ""
  # shogun: opus
  # karou: sonnet
  # ashigaru: sonnet

# Provider pass-through settings
providerSpecific:
  # Settings file handed to the provider CLI (claude --settings)
  # config: .shogun/config/claude-settings.json
  #
  # Extra environment for provider subprocesses. Values are expanded
  # against the parent environment.
  # env:
  #   ANTHROPIC_API_KEY: "${ANTHROPIC_API_KEY}"
  #
  # reasoningEffort: high
  #
  # Extra directories the provider may read
  # additionalDirectories:
  #   - /path/to/docs

# Extra prompt text per worker, keyed by agent id
# ashigaruProfiles:
#   ashigaru1: "You specialize in frontend work."
#   ashigaru2: "You specialize in database work."

# Boundary transport
server:
  port: 7777

# Mailbox watcher settings
watch:
  # Disable fsnotify in favor of directory polling. The
  # SHOGUN_FORCE_POLLING environment variable forces this on.
  forcePolling: false

# Server log settings
log:
  level: info      # trace, debug, info, warn, error
  console: false   # mirror the log to stderr

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp
#   filePath: .shogun/logs/traces.jsonl
#   otlpEndpoint: localhost:4317   # OTLP collector endpoint (for otlp exporter)
#   sampleRate: 1.0                # Trace sampling rate 0.0-1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
// Refuses to overwrite an existing file.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
