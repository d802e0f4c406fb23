// Package restart consumes restart-request files through the same
// two-phase queue pattern as the mailbox: requests are claimed by
// rename, handled behind a ledger gate, and archived so a processed
// request never re-triggers after the respawn.
package restart

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sengokulabs/shogun/internal/fsutil"
	"github.com/sengokulabs/shogun/internal/isotime"
	"github.com/sengokulabs/shogun/internal/ledger"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/message"
)

// Queue tier directories under the restart root.
const (
	RequestsTier   = "requests"
	ProcessingTier = "processing"
	HistoryTier    = "history"
)

// Ext is the extension of every restart request file.
const Ext = ".json"

const forcePollingEnv = "SHOGUN_FORCE_POLLING"

const defaultPollInterval = 500 * time.Millisecond

// Request is one parsed restart request. Every field is optional in the
// file; missing values fall back to the filename stem and mtime.
type Request struct {
	ID          string `json:"id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequestedAt string `json:"requestedAt,omitempty"`
}

// Handler performs the shutdown side of a restart request. A nil return
// marks the request handled; an error leaves the file in processing/
// for the next startup.
type Handler func(req Request) error

// WatcherConfig configures a restart watcher.
type WatcherConfig struct {
	// Dir is the restart queue root (tmp/restart).
	Dir string

	// Ledger gates the handler and the archive step.
	Ledger *ledger.Ledger

	// Handler receives each request once.
	Handler Handler

	// ForcePolling selects the polling scan loop over native events.
	// The SHOGUN_FORCE_POLLING environment variable also enables it.
	ForcePolling bool

	PollInterval time.Duration

	// OnError, when set, receives watcher-level failures in addition to
	// the log.
	OnError func(error)
}

// Watcher drives the restart request queue.
type Watcher struct {
	cfg    WatcherConfig
	logger zerolog.Logger

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWatcher validates the config and returns an unstarted watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("restart watcher: directory is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("restart watcher: ledger is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("restart watcher: handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if v, err := strconv.ParseBool(os.Getenv(forcePollingEnv)); err == nil && v {
		cfg.ForcePolling = true
	}

	return &Watcher{
		cfg:      cfg,
		logger:   log.WithComponent("restart"),
		inflight: make(map[string]struct{}),
	}, nil
}

// Start creates the tier directories, begins watching, and re-dispatches
// any files left from a previous run.
func (w *Watcher) Start(ctx context.Context) error {
	if w.started {
		return fmt.Errorf("restart watcher already started")
	}
	w.started = true

	for _, dir := range []string{w.requestsRoot(), w.processingRoot(), w.historyRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)

	if w.cfg.ForcePolling {
		w.logger.Info().Dur("interval", w.cfg.PollInterval).Msg("watching restart queue in polling mode")
		w.wg.Add(1)
		go w.pollLoop(ctx)
	} else {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		w.fsw = fsw
		for _, dir := range []string{w.requestsRoot(), w.processingRoot()} {
			if err := fsw.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
		}
		w.wg.Add(1)
		go w.eventLoop(ctx)
	}

	w.scanOnce()
	return nil
}

// Close stops watching and waits for in-flight work to settle. A request
// mid-processing finishes its archive before Close returns, so shutdown
// cannot strand a handled request in processing/.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) requestsRoot() string   { return filepath.Join(w.cfg.Dir, RequestsTier) }
func (w *Watcher) processingRoot() string { return filepath.Join(w.cfg.Dir, ProcessingTier) }
func (w *Watcher) historyRoot() string    { return filepath.Join(w.cfg.Dir, HistoryTier) }

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				w.dispatch(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail(err, "watch error")
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce()
		}
	}
}

// scanOnce dispatches every file currently in either active tier.
// Processing first so recovery finishes older claims before new ones.
func (w *Watcher) scanOnce() {
	for _, root := range []string{w.processingRoot(), w.requestsRoot()} {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				w.dispatch(filepath.Join(root, e.Name()))
			}
		}
	}
}

// dispatch routes one observed path to the claim or process phase.
// Files outside the queue grammar are ignored.
func (w *Watcher) dispatch(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, Ext) || name[0] == '.' || strings.Contains(name, ".tmp") {
		return
	}
	tier := filepath.Base(filepath.Dir(path))
	if tier != RequestsTier && tier != ProcessingTier {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if tier == RequestsTier {
			w.claim(name)
			return
		}
		w.process(name)
	}()
}

// claim atomically renames a request into the processing tier. A
// vanished source means another actor claimed first.
func (w *Watcher) claim(name string) {
	src := filepath.Join(w.requestsRoot(), name)
	dst := filepath.Join(w.processingRoot(), name)
	if err := os.Rename(src, dst); err != nil {
		if !os.IsNotExist(err) {
			w.fail(err, "claim restart request")
		}
		return
	}
	w.process(name)
}

// process runs the ledger-gated pipeline for one claimed request:
// handler, then archive.
func (w *Watcher) process(name string) {
	path := filepath.Join(w.processingRoot(), name)

	w.mu.Lock()
	if _, dup := w.inflight[path]; dup {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	info, err := os.Stat(path)
	if err != nil {
		return // claimed-then-archived elsewhere, or raced away
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return
	}

	req := parseRequest(name, info.ModTime(), body)
	key := RequestsTier + "/" + name
	logger := w.logger.With().
		Str("request_id", req.ID).
		Str("reason", req.Reason).
		Logger()

	if w.cfg.Ledger.Rank(key) < ledger.StatusJobDone.Rank() {
		logger.Info().Msg("restart requested")
		if err := w.cfg.Handler(req); err != nil {
			logger.Warn().Err(err).Msg("restart handler failed; leaving request for retry")
			return
		}
		if err := w.cfg.Ledger.Mark(key, ledger.StatusJobDone); err != nil {
			w.fail(err, "mark job_done")
			return
		}
	}

	dst := filepath.Join(w.historyRoot(), name)
	if _, err := os.Stat(dst); err == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.fail(err, "remove archived duplicate")
			return
		}
	} else if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		w.fail(err, "archive restart request")
		return
	}

	if err := w.cfg.Ledger.Mark(key, ledger.StatusDone); err != nil {
		w.fail(err, "mark done")
		return
	}
	logger.Info().Msg("restart request archived")
}

// parseRequest reads the optional JSON body; anything unusable falls
// back to the filename stem and file mtime.
func parseRequest(name string, mtime time.Time, body []byte) Request {
	var req Request
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			req = Request{}
		}
	}
	if req.ID == "" {
		req.ID = strings.TrimSuffix(name, Ext)
	}
	if req.RequestedAt == "" {
		req.RequestedAt = isotime.Format(mtime)
	}
	return req
}

func (w *Watcher) fail(err error, msg string) {
	w.logger.Error().Err(err).Msg(msg)
	if w.cfg.OnError != nil {
		w.cfg.OnError(fmt.Errorf("%s: %w", msg, err))
	}
}

// Write drops a new restart request into dir's requests tier and returns
// the request id. It is the producer half of the queue, used by the CLI.
func Write(dir, reason string) (string, error) {
	now := time.Now()
	id := fmt.Sprintf("restart-%s-%s", isotime.ForFilename(now), message.NewRand())
	req := Request{ID: id, Reason: reason, RequestedAt: isotime.Format(now)}

	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode restart request: %w", err)
	}

	root := filepath.Join(dir, RequestsTier)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", root, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(root, id+Ext), data, 0o644); err != nil {
		return "", fmt.Errorf("write restart request: %w", err)
	}
	return id, nil
}
