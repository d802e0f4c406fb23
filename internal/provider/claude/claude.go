// Package claude runs agent turns through the Claude Code CLI. Each turn is
// one short-lived subprocess in --print stream-json mode; the conversation
// itself lives on the provider side and is resumed per turn.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/provider"
)

// Name is the registry name of this provider.
const Name = "claude"

func init() {
	provider.Register(Name, func(opts provider.Options) (provider.Provider, error) {
		return New(opts), nil
	})
}

// knownPaths are checked for the claude executable before falling back to
// PATH lookup. {name} is replaced with the executable name.
var knownPaths = []string{
	"~/.claude/local/{name}",
	"~/.claude/{name}",
}

const maxScanTokenSize = 1024 * 1024 // 1MB max line size for stream events

// Provider implements provider.Provider for the Claude Code CLI.
//
// A resumed turn forks a fresh CLI session id, so the newest id is tracked
// per logical thread; failed turns keep the previous id so the next attempt
// resumes from the last good turn.
type Provider struct {
	opts   provider.Options
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]string             // logical thread id -> current CLI session id
	workDirs map[string]string             // logical thread id -> working directory
	inflight map[string]context.CancelFunc // logical thread id -> abort for the running turn
}

// New creates a claude provider with the given options.
func New(opts provider.Options) *Provider {
	return &Provider{
		opts:     opts,
		logger:   log.WithComponent("provider.claude"),
		sessions: make(map[string]string),
		workDirs: make(map[string]string),
		inflight: make(map[string]context.CancelFunc),
	}
}

// CreateThread runs the seed turn and registers the resulting session id as
// a new logical thread.
func (p *Provider) CreateThread(ctx context.Context, opts provider.CreateThreadOptions) (provider.Thread, error) {
	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = p.opts.WorkingDir
	}

	res, err := p.runTurn(ctx, "", turnSpec{workDir: workDir, input: opts.InitialInput})
	if err != nil {
		return provider.Thread{}, err
	}
	if res.sessionID == "" {
		return provider.Thread{}, fmt.Errorf("claude: no session id in init event")
	}

	p.mu.Lock()
	p.sessions[res.sessionID] = res.sessionID
	p.workDirs[res.sessionID] = workDir
	p.mu.Unlock()

	p.logger.Debug().Str("threadId", res.sessionID).Msg("created provider thread")
	return provider.Thread{ID: res.sessionID}, nil
}

// ResumeThread attaches to a thread created by an earlier process. No
// subprocess runs; the CLI attaches lazily on the next turn.
func (p *Provider) ResumeThread(_ context.Context, threadID string) (provider.Thread, error) {
	if threadID == "" {
		return provider.Thread{}, fmt.Errorf("claude: empty thread id")
	}
	p.mu.Lock()
	if _, ok := p.sessions[threadID]; !ok {
		p.sessions[threadID] = threadID
	}
	p.mu.Unlock()
	return provider.Thread{ID: threadID}, nil
}

// SendMessage runs one turn against the thread's newest session id and
// tracks the id the CLI hands back.
func (p *Provider) SendMessage(ctx context.Context, req provider.SendRequest) (provider.SendResult, error) {
	p.mu.Lock()
	sid, ok := p.sessions[req.ThreadID]
	if !ok {
		// Unseen thread: assume the id is a valid CLI session (restart path).
		sid = req.ThreadID
		p.sessions[req.ThreadID] = sid
	}
	workDir := p.workDirs[req.ThreadID]
	p.mu.Unlock()
	if workDir == "" {
		workDir = p.opts.WorkingDir
	}

	res, err := p.runTurn(ctx, req.ThreadID, turnSpec{
		workDir:    workDir,
		resume:     sid,
		input:      req.Input,
		onProgress: req.OnProgress,
	})
	if err != nil {
		return provider.SendResult{}, err
	}

	if res.sessionID != "" && res.sessionID != sid {
		p.mu.Lock()
		p.sessions[req.ThreadID] = res.sessionID
		p.mu.Unlock()
		p.logger.Debug().
			Str("threadId", req.ThreadID).
			Str("sessionId", res.sessionID).
			Msg("session id rotated")
	}

	return provider.SendResult{OutputText: res.outputText, Raw: res.raw}, nil
}

// Cancel aborts the in-flight turn on the given thread, if any.
func (p *Provider) Cancel(threadID string) error {
	p.mu.Lock()
	cancel, ok := p.inflight[threadID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// turnSpec describes one subprocess invocation.
type turnSpec struct {
	workDir    string
	resume     string // CLI session id to resume; empty creates a session
	input      string
	onProgress provider.ProgressFunc
}

// turnOutcome is what one subprocess produced.
type turnOutcome struct {
	sessionID  string
	outputText string
	raw        json.RawMessage
}

func (p *Provider) runTurn(ctx context.Context, cancelKey string, spec turnSpec) (turnOutcome, error) {
	exe, err := findExecutable("claude")
	if err != nil {
		return turnOutcome{}, err
	}

	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cancelKey != "" {
		p.mu.Lock()
		p.inflight[cancelKey] = cancel
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, cancelKey)
			p.mu.Unlock()
		}()
	}

	args := p.buildArgs(spec)
	cmd := exec.CommandContext(tctx, exe, args...)
	cmd.Dir = spec.workDir
	cmd.Env = p.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return turnOutcome{}, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return turnOutcome{}, fmt.Errorf("claude: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return turnOutcome{}, fmt.Errorf("claude: start: %w", err)
	}

	// Stderr is collected for error reporting; the CLI writes diagnostics
	// there that are invaluable when a turn fails.
	var stderrMu sync.Mutex
	var stderrLines []string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			stderrMu.Lock()
			if len(stderrLines) < 64 {
				stderrLines = append(stderrLines, scanner.Text())
			}
			stderrMu.Unlock()
		}
	}()

	var outcome turnOutcome
	var resultSeen bool
	var lastAssistant string
	var isError bool

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		event, perr := parseEvent(line)
		if perr != nil {
			p.logger.Debug().Str("line", truncate(string(line), 200)).Msg("skipping non-JSON stream line")
			continue
		}
		switch event.Type {
		case eventSystem:
			if event.SubType == subtypeInit && event.SessionID != "" {
				outcome.sessionID = event.SessionID
			}
		case eventAssistant:
			if text := event.Message.text(); text != "" {
				lastAssistant = text
				if spec.onProgress != nil {
					spec.onProgress(text)
				}
			}
		case eventResult:
			resultSeen = true
			isError = event.IsError
			outcome.outputText = event.Result
			if event.SessionID != "" {
				outcome.sessionID = event.SessionID
			}
			outcome.raw = append(json.RawMessage(nil), line...)
		}
	}
	scanErr := scanner.Err()

	wg.Wait()
	waitErr := cmd.Wait()

	if tctx.Err() != nil {
		return turnOutcome{}, tctx.Err()
	}
	if waitErr != nil {
		stderrMu.Lock()
		tail := strings.Join(stderrLines, "\n")
		stderrMu.Unlock()
		if tail != "" {
			return turnOutcome{}, fmt.Errorf("claude: %w: %s", waitErr, truncate(tail, 2000))
		}
		return turnOutcome{}, fmt.Errorf("claude: %w", waitErr)
	}
	if scanErr != nil {
		return turnOutcome{}, fmt.Errorf("claude: reading stream: %w", scanErr)
	}
	if isError {
		return turnOutcome{}, fmt.Errorf("claude: turn failed: %s", truncate(outcome.outputText, 2000))
	}
	if !resultSeen {
		return turnOutcome{}, fmt.Errorf("claude: stream ended without result event")
	}
	if outcome.outputText == "" {
		outcome.outputText = lastAssistant
	}
	return outcome, nil
}

// buildArgs constructs the command line arguments for claude.
func (p *Provider) buildArgs(spec turnSpec) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if spec.resume != "" {
		args = append(args, "--resume", spec.resume)
	}

	if p.opts.Model != "" {
		args = append(args, "--model", p.opts.Model)
	}

	if p.opts.SettingsPath != "" {
		args = append(args, "--settings", p.opts.SettingsPath)
	}

	for _, dir := range p.opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}

	// The -- separator ensures the input isn't consumed by preceding flags.
	args = append(args, "--", spec.input)

	return args
}

// buildEnv merges configured env vars into the parent environment,
// expanding ${VAR} references.
func (p *Provider) buildEnv() []string {
	env := os.Environ()
	for k, v := range p.opts.Env {
		expanded := os.ExpandEnv(v)
		env = append(env, k+"="+expanded)

		logVal := expanded
		lower := strings.ToLower(k)
		if strings.Contains(lower, "token") || strings.Contains(lower, "key") || strings.Contains(lower, "secret") {
			logVal = "[REDACTED]"
		}
		p.logger.Debug().Str("key", k).Str("value", logVal).Msg("custom env var")
	}
	return env
}

// findExecutable locates the claude binary, preferring the CLI's own
// install locations over PATH.
func findExecutable(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err == nil {
		for _, pattern := range knownPaths {
			path := strings.ReplaceAll(pattern, "{name}", name)
			path = strings.Replace(path, "~", home, 1)
			if info, serr := os.Stat(path); serr == nil && !info.IsDir() {
				return filepath.Clean(path), nil
			}
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("claude: executable not found: %w", err)
	}
	return path, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)
