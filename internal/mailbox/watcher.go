package mailbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/sengokulabs/shogun/internal/isotime"
	"github.com/sengokulabs/shogun/internal/ledger"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/message"
)

// Handler consumes one parsed mailbox message. A nil return marks the
// message job_done; an error leaves the file in message_processing/ so
// it is re-processed on the next startup.
type Handler func(msg message.Message) error

// HistoryAppender records a delivered message. The watcher invokes it
// at most once per ledger key.
type HistoryAppender interface {
	Append(msg message.Message) error
}

// ForcePollingEnv switches directory watching to polling when set to a
// truthy value. Tests and filesystems without native events use it.
const ForcePollingEnv = "SHOGUN_FORCE_POLLING"

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultStabilityWindow = 200 * time.Millisecond
	defaultStabilityPoll   = 50 * time.Millisecond
)

// WatcherConfig configures a mailbox watcher.
type WatcherConfig struct {
	// BaseDir contains message_to/ and message_processing/.
	BaseDir string

	// HistoryRoot is the archive destination root (history/).
	HistoryRoot string

	// Ledger gates every side-effecting step.
	Ledger *ledger.Ledger

	// History receives each message exactly once.
	History HistoryAppender

	// Handler routes each message into the application.
	Handler Handler

	// LastActiveThread supplies the fallback thread id for filenames
	// without a thread token. May return "".
	LastActiveThread func() string

	// ForcePolling selects the polling scan loop over native events.
	// The SHOGUN_FORCE_POLLING environment variable also enables it.
	ForcePolling bool

	PollInterval    time.Duration
	StabilityWindow time.Duration
	StabilityPoll   time.Duration

	// OnError, when set, receives watcher-level failures in addition
	// to the log.
	OnError func(error)
}

// Watcher drives the two-phase mailbox queue: files observed in
// message_to/ are claimed by an atomic rename into
// message_processing/, processed with ledger-gated side effects, and
// archived under the history root.
type Watcher struct {
	cfg    WatcherConfig
	logger zerolog.Logger

	fsw *fsnotify.Watcher

	// gating tracks in-progress write-stability checks; warned
	// suppresses repeated grammar warnings per path. TTLs clean both
	// up if paths vanish.
	gating *cache.Cache
	warned *cache.Cache

	mu       sync.Mutex
	inflight map[string]struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewWatcher validates the config and returns an unstarted watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("mailbox watcher: base directory is required")
	}
	if cfg.HistoryRoot == "" {
		return nil, fmt.Errorf("mailbox watcher: history root is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("mailbox watcher: ledger is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("mailbox watcher: history store is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("mailbox watcher: handler is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = defaultStabilityWindow
	}
	if cfg.StabilityPoll <= 0 {
		cfg.StabilityPoll = defaultStabilityPoll
	}
	if v, err := strconv.ParseBool(os.Getenv(ForcePollingEnv)); err == nil && v {
		cfg.ForcePolling = true
	}

	return &Watcher{
		cfg:      cfg,
		logger:   log.WithComponent("mailbox"),
		gating:   cache.New(5*time.Minute, 10*time.Minute),
		warned:   cache.New(10*time.Minute, 20*time.Minute),
		inflight: make(map[string]struct{}),
	}, nil
}

// Start creates the tier directories, begins watching, and performs the
// recovery scan: existing files in message_to/ are re-claimed and files
// in message_processing/ re-processed. The ledger makes repetition safe.
func (w *Watcher) Start(ctx context.Context) error {
	if w.started {
		return fmt.Errorf("mailbox watcher already started")
	}
	w.started = true

	for _, dir := range []string{w.pendingRoot(), w.processingRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)

	if w.cfg.ForcePolling {
		w.logger.Info().Dur("interval", w.cfg.PollInterval).Msg("watching mailbox in polling mode")
		w.wg.Add(1)
		go w.pollLoop(ctx)
	} else {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create fsnotify watcher: %w", err)
		}
		w.fsw = fsw
		if err := w.watchTree(ctx, w.pendingRoot()); err != nil {
			return err
		}
		if err := w.watchTree(ctx, w.processingRoot()); err != nil {
			return err
		}
		w.wg.Add(1)
		go w.eventLoop(ctx)
	}

	// Recovery scan, after watches are established so no window exists
	// between scan and watch.
	w.scanOnce(ctx)
	return nil
}

// Close stops watching and waits for in-flight work to settle.
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

func (w *Watcher) pendingRoot() string    { return filepath.Join(w.cfg.BaseDir, PendingTier) }
func (w *Watcher) processingRoot() string { return filepath.Join(w.cfg.BaseDir, ProcessingTier) }

// eventLoop consumes fsnotify events until the context ends.
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
			w.handleEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.fail(err, "watch error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	info, err := os.Stat(ev.Name)
	if err != nil {
		return // renamed away or already gone
	}
	if info.IsDir() {
		// Producers create nested to/from directories on demand; watch
		// them and pick up any files that landed before the watch.
		if err := w.watchTree(ctx, ev.Name); err != nil {
			w.fail(err, "watch new directory")
		}
		return
	}
	w.dispatch(ctx, ev.Name)
}

// watchTree adds watches for dir and every directory below it, then
// dispatches files already present.
func (w *Watcher) watchTree(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
			return nil
		}
		w.dispatch(ctx, path)
		return nil
	})
}

// pollLoop periodically rescans both tiers.
func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanOnce(ctx)
		}
	}
}

// scanOnce dispatches every file currently in either tier.
func (w *Watcher) scanOnce(ctx context.Context) {
	for _, root := range []string{w.processingRoot(), w.pendingRoot()} {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // trees mutate under the walk
			}
			if !d.IsDir() {
				w.dispatch(ctx, path)
			}
			return nil
		})
	}
}

// dispatch routes one observed path to the claim or process phase in
// its own goroutine. Paths outside the mailbox grammar are ignored;
// real-looking strays get one warning.
func (w *Watcher) dispatch(ctx context.Context, path string) {
	tier, addr, ok := ParsePath(w.cfg.BaseDir, path)
	if !ok {
		base := filepath.Base(path)
		if base == "" || base[0] == '.' || strings.Contains(base, ".tmp") {
			return // in-progress atomic writes are expected noise
		}
		if err := w.warned.Add(path, struct{}{}, cache.DefaultExpiration); err == nil {
			w.logger.Warn().Str("path", path).Msg("ignoring file outside mailbox grammar")
		}
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		switch tier {
		case PendingTier:
			w.claim(ctx, addr)
		case ProcessingTier:
			w.process(addr)
		}
	}()
}

// claim atomically renames a pending file into the processing tier.
// Nothing else happens in this phase. A vanished source means another
// actor claimed first.
func (w *Watcher) claim(ctx context.Context, addr Address) {
	src := addr.PendingPath(w.cfg.BaseDir)
	if !w.awaitStable(ctx, src) {
		return
	}

	dst := addr.ProcessingPath(w.cfg.BaseDir)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		w.fail(err, "prepare processing directory")
		return
	}
	if err := os.Rename(src, dst); err != nil {
		if !os.IsNotExist(err) {
			w.fail(err, "claim mailbox file")
		}
		return
	}
	w.process(addr)
}

// process runs the ledger-gated pipeline for one claimed file:
// history append, application handler, archive.
func (w *Watcher) process(addr Address) {
	path := addr.ProcessingPath(w.cfg.BaseDir)

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

	threadID, title := message.ParseStem(addr.Stem())
	if threadID == "" && w.cfg.LastActiveThread != nil {
		threadID = w.cfg.LastActiveThread()
	}
	if threadID == "" {
		w.logger.Warn().Str("path", path).Msg("no thread id and no last-active thread; leaving file")
		return
	}

	msg := message.Message{
		ID:        addr.Stem(),
		ThreadID:  threadID,
		From:      addr.From,
		To:        addr.To,
		Title:     title,
		Body:      string(body),
		CreatedAt: isotime.Format(info.ModTime()),
	}
	key := addr.Key()
	logger := w.logger.With().
		Str("message_id", msg.ID).
		Str("thread_id", msg.ThreadID).
		Str("to", msg.To).
		Str("from", msg.From).
		Logger()

	if w.cfg.Ledger.Rank(key) < ledger.StatusHistory.Rank() {
		if err := w.cfg.History.Append(msg); err != nil {
			w.fail(err, "append history")
			return
		}
		if err := w.cfg.Ledger.Mark(key, ledger.StatusHistory); err != nil {
			w.fail(err, "mark history")
			return
		}
	}

	if w.cfg.Ledger.Rank(key) < ledger.StatusJobDone.Rank() {
		if err := w.cfg.Handler(msg); err != nil {
			logger.Warn().Err(err).Msg("handler failed; leaving file for retry")
			return
		}
		if err := w.cfg.Ledger.Mark(key, ledger.StatusJobDone); err != nil {
			w.fail(err, "mark job_done")
			return
		}
	}

	dst := addr.ArchivePath(w.cfg.HistoryRoot, msg.ThreadID)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		w.fail(err, "prepare archive directory")
		return
	}
	if _, err := os.Stat(dst); err == nil {
		// A prior crash archived the file already; just drop the source.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.fail(err, "remove archived duplicate")
			return
		}
	} else if err := os.Rename(path, dst); err != nil && !os.IsNotExist(err) {
		w.fail(err, "archive mailbox file")
		return
	}

	if err := w.cfg.Ledger.Mark(key, ledger.StatusDone); err != nil {
		w.fail(err, "mark done")
		return
	}
	logger.Info().Msg("message processed")
}

// awaitStable blocks until the file's size and mtime have stopped
// changing for the stability window, polling at the stability
// interval. It returns false when the file vanishes, the context ends,
// or another goroutine is already gating the same path.
func (w *Watcher) awaitStable(ctx context.Context, path string) bool {
	if err := w.gating.Add(path, struct{}{}, cache.DefaultExpiration); err != nil {
		return false
	}
	defer w.gating.Delete(path)

	var lastSize int64 = -1
	var lastMod time.Time
	var stableSince time.Time

	ticker := time.NewTicker(w.cfg.StabilityPoll)
	defer ticker.Stop()

	for {
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		now := time.Now()
		if info.Size() != lastSize || !info.ModTime().Equal(lastMod) {
			lastSize = info.Size()
			lastMod = info.ModTime()
			stableSince = now
		} else if now.Sub(stableSince) >= w.cfg.StabilityWindow {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (w *Watcher) fail(err error, msg string) {
	w.logger.Error().Err(err).Msg(msg)
	if w.cfg.OnError != nil {
		w.cfg.OnError(fmt.Errorf("%s: %w", msg, err))
	}
}
