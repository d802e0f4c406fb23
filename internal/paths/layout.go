// Package paths resolves the on-disk layout of a coordinator workspace.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDirName is the default coordinator directory inside a workspace.
const BaseDirName = ".shogun"

// Layout holds the resolved directories of a single workspace. All paths
// are absolute once Resolve has run.
type Layout struct {
	// Base is the coordinator directory (default "<workspace>/.shogun").
	Base string
	// History is the root of the per-thread message archive.
	History string
}

// Resolve normalizes baseDir and historyDir against the workspace root.
//
// Input normalization:
//   - "" baseDir           -> "<workspace>/.shogun"
//   - relative baseDir     -> joined onto the workspace root
//   - "" historyDir        -> "<base>/history"
//   - relative historyDir  -> joined onto the workspace root
func Resolve(workspace, baseDir, historyDir string) Layout {
	if workspace == "" {
		workspace = "."
	}
	base := baseDir
	if base == "" {
		base = BaseDirName
	}
	if !filepath.IsAbs(base) {
		base = filepath.Join(workspace, base)
	}
	base = filepath.Clean(base)

	history := historyDir
	if history == "" {
		history = filepath.Join(base, "history")
	} else if !filepath.IsAbs(history) {
		history = filepath.Join(workspace, history)
	}
	history = filepath.Clean(history)

	return Layout{Base: base, History: history}
}

// ConfigDir holds config.yaml and provider settings files.
func (l Layout) ConfigDir() string { return filepath.Join(l.Base, "config") }

// ConfigFile is the coordinator's own config file.
func (l Layout) ConfigFile() string { return filepath.Join(l.ConfigDir(), "config.yaml") }

// MailboxDir is the root watched for pending and processing messages.
func (l Layout) MailboxDir() string { return l.Base }

// StateFile holds thread and session state.
func (l Layout) StateFile() string { return filepath.Join(l.Base, "state.json") }

// MessageLedgerFile tracks per-message processing progress.
func (l Layout) MessageLedgerFile() string { return filepath.Join(l.Base, "message_ledger.json") }

// WaitsDir holds durable wait records.
func (l Layout) WaitsDir() string { return filepath.Join(l.Base, "waits") }

// TmpDir is the scratch directory for one agent, used to resolve bodyFile
// references in tool calls.
func (l Layout) TmpDir(agentID string) string { return filepath.Join(l.Base, "tmp", agentID) }

// RestartDir is the root of the restart request queue.
func (l Layout) RestartDir() string { return filepath.Join(l.Base, "tmp", "restart") }

// RestartLedgerFile tracks restart request progress.
func (l Layout) RestartLedgerFile() string {
	return filepath.Join(l.RestartDir(), "restart_ledger.json")
}

// LogsDir holds the server log.
func (l Layout) LogsDir() string { return filepath.Join(l.Base, "logs") }

// LogFile is the default server log path.
func (l Layout) LogFile() string { return filepath.Join(l.LogsDir(), "server.log") }

// EnsureSkeleton creates every directory the coordinator expects. Message
// tier directories are created lazily by the watchers, so only the stable
// roots are created here.
func (l Layout) EnsureSkeleton() error {
	dirs := []string{
		l.Base,
		l.ConfigDir(),
		l.History,
		l.WaitsDir(),
		filepath.Join(l.Base, "tmp"),
		l.RestartDir(),
		l.LogsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
