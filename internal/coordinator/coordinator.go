// Package coordinator assembles and runs one workspace: the durable
// stores, the agent fleet, the mailbox and restart watchers, the event
// broker, and the gateway that fronts them.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/sengokulabs/shogun/internal/agent"
	"github.com/sengokulabs/shogun/internal/config"
	"github.com/sengokulabs/shogun/internal/gateway"
	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/history"
	"github.com/sengokulabs/shogun/internal/ledger"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/mailbox"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/paths"
	"github.com/sengokulabs/shogun/internal/provider"
	"github.com/sengokulabs/shogun/internal/pubsub"
	"github.com/sengokulabs/shogun/internal/restart"
	"github.com/sengokulabs/shogun/internal/state"
	"github.com/sengokulabs/shogun/internal/tracing"
	"github.com/sengokulabs/shogun/internal/wait"
)

// ErrRestartRequested reports that Run exited because a restart request
// was consumed. The process should exit with ExitCodeRestart so its
// supervisor relaunches it against the same workspace.
var ErrRestartRequested = errors.New("restart requested")

// ExitCodeRestart is the exit code that tells the supervising loop to
// start a fresh coordinator process.
const ExitCodeRestart = 75

// Options configures New.
type Options struct {
	Config    config.Config
	Workspace string

	// Tracer records agent turn spans. Nil disables span recording.
	Tracer trace.Tracer

	// NewProvider overrides provider construction, for tests. Nil uses
	// the registry.
	NewProvider func(name string, opts provider.Options) (provider.Provider, error)
}

// Coordinator owns every long-lived component of one workspace.
type Coordinator struct {
	cfg    config.Config
	layout paths.Layout
	logger zerolog.Logger
	tracer trace.Tracer

	states  *state.Store
	hist    *history.Store
	waits   *wait.Store
	writer  *mailbox.Writer
	broker  *pubsub.Broker
	manager *agent.Manager
	gw      *gateway.Gateway

	mailboxWatcher *mailbox.Watcher
	restartWatcher *restart.Watcher

	restartCh chan restart.Request
}

// New builds the component graph for one workspace. Nothing runs until
// Run is called.
func New(opts Options) (*Coordinator, error) {
	layout := opts.Config.Layout(opts.Workspace)
	if err := layout.EnsureSkeleton(); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	msgLedger, err := ledger.Open(layout.MessageLedgerFile())
	if err != nil {
		return nil, fmt.Errorf("open message ledger: %w", err)
	}
	restartLedger, err := ledger.Open(layout.RestartLedgerFile())
	if err != nil {
		return nil, fmt.Errorf("open restart ledger: %w", err)
	}
	states, err := state.Open(layout.StateFile())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	c := &Coordinator{
		cfg:       opts.Config,
		layout:    layout,
		logger:    log.WithComponent("coordinator"),
		tracer:    opts.Tracer,
		states:    states,
		hist:      history.NewStore(layout.History),
		waits:     wait.NewStore(layout.WaitsDir()),
		writer:    mailbox.NewWriter(layout.MailboxDir()),
		broker:    pubsub.NewBroker(),
		restartCh: make(chan restart.Request, 1),
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("coordinator")
	}

	manager, err := agent.NewManager(agent.ManagerConfig{
		Config:      &c.cfg,
		Layout:      layout,
		Workspace:   opts.Workspace,
		State:       states,
		Waits:       c.waits,
		Writer:      c.writer,
		History:     c.hist,
		Tracer:      opts.Tracer,
		OnStatus:    c.broker.PublishAgents,
		NewProvider: opts.NewProvider,
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager

	gw, err := gateway.New(gateway.GatewayConfig{
		Config:  &c.cfg,
		State:   states,
		History: c.hist,
		Writer:  c.writer,
		Fleet:   manager,
		Events:  c.broker,
	})
	if err != nil {
		return nil, err
	}
	c.gw = gw

	mw, err := mailbox.NewWatcher(mailbox.WatcherConfig{
		BaseDir:          layout.MailboxDir(),
		HistoryRoot:      layout.History,
		Ledger:           msgLedger,
		History:          c.hist,
		Handler:          c.handleMessage,
		LastActiveThread: states.LastActiveThreadID,
		ForcePolling:     opts.Config.Watch.ForcePolling,
	})
	if err != nil {
		return nil, err
	}
	c.mailboxWatcher = mw

	rw, err := restart.NewWatcher(restart.WatcherConfig{
		Dir:          layout.RestartDir(),
		Ledger:       restartLedger,
		Handler:      c.handleRestart,
		ForcePolling: opts.Config.Watch.ForcePolling,
	})
	if err != nil {
		return nil, err
	}
	c.restartWatcher = rw

	return c, nil
}

// Run resumes suspended waits, starts both watchers, and blocks until
// the context is canceled or a restart request lands. It returns
// ErrRestartRequested for restarts and nil for a clean stop.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if n := c.manager.ResumeAll(c.hist); n > 0 {
		c.logger.Info().Int("count", n).Msg("resumed suspended waits")
	}
	if err := c.mailboxWatcher.Start(ctx); err != nil {
		return fmt.Errorf("start mailbox watcher: %w", err)
	}
	if err := c.restartWatcher.Start(ctx); err != nil {
		c.shutdown()
		return fmt.Errorf("start restart watcher: %w", err)
	}
	c.logger.Info().Str("base", c.layout.Base).Msg("coordinator running")

	restarting := false
	select {
	case <-ctx.Done():
	case req := <-c.restartCh:
		restarting = true
		c.logger.Info().Str("id", req.ID).Msg("shutting down for restart")
	}

	c.shutdown()
	if restarting {
		return ErrRestartRequested
	}
	return nil
}

// handleMessage is the mailbox watcher's dispatch point. It materializes
// unknown threads, mirrors the message onto the event stream, and hands
// agent-bound messages to the fleet. Messages addressed to the king stay
// in history and on the stream; no runtime consumes them.
func (c *Coordinator) handleMessage(msg message.Message) error {
	_, span := c.tracer.Start(context.Background(), tracing.SpanMessageRoute, trace.WithAttributes(
		attribute.String(tracing.AttrMessageID, msg.ID),
		attribute.String(tracing.AttrMessageFrom, msg.From),
		attribute.String(tracing.AttrMessageTo, msg.To),
		attribute.String(tracing.AttrMessageTitle, msg.Title),
		attribute.String(tracing.AttrThreadID, msg.ThreadID),
	))
	defer span.End()

	_, created, err := c.states.EnsureThread(msg.ThreadID, msg.Title)
	if err != nil {
		return fmt.Errorf("ensure thread %s: %w", msg.ThreadID, err)
	}
	if created {
		c.broker.PublishThreads(c.states.Threads())
	}
	if err := c.states.TouchThread(msg.ThreadID); err != nil {
		c.logger.Warn().Err(err).Str("threadId", msg.ThreadID).Msg("touch thread")
	}
	c.broker.PublishMessage(msg)

	if msg.To == hierarchy.King {
		c.logger.Info().
			Str("threadId", msg.ThreadID).
			Str("from", msg.From).
			Str("title", msg.Title).
			Msg("message surfaced for king")
		return nil
	}
	return c.manager.Deliver(msg)
}

// handleRestart runs on the restart watcher's process goroutine. It only
// signals Run and returns so the watcher can archive the request before
// shutdown; blocking here would deadlock the watcher's own Close.
func (c *Coordinator) handleRestart(req restart.Request) error {
	_, span := c.tracer.Start(context.Background(), tracing.SpanRestartHandle, trace.WithAttributes(
		attribute.String("restart.id", req.ID),
		attribute.String("restart.reason", req.Reason),
	))
	defer span.End()

	c.logger.Info().
		Str("id", req.ID).
		Str("reason", req.Reason).
		Msg("restart request accepted")
	select {
	case c.restartCh <- req:
	default:
	}
	return nil
}

// shutdown tears the system down in dependency order. Agents stop first
// so watcher handlers blocked in Deliver can return, then both watchers
// drain their in-flight work, then the event stream closes.
func (c *Coordinator) shutdown() {
	c.manager.StopAll()

	var g errgroup.Group
	g.Go(c.mailboxWatcher.Close)
	g.Go(c.restartWatcher.Close)
	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Msg("watcher close")
	}

	c.broker.Close()
	c.logger.Info().Msg("coordinator stopped")
}

// Gateway is the request surface for transports.
func (c *Coordinator) Gateway() *gateway.Gateway { return c.gw }

// Events is the broker transports subscribe to for live updates.
func (c *Coordinator) Events() *pubsub.Broker { return c.broker }

// Layout reports the resolved workspace layout.
func (c *Coordinator) Layout() paths.Layout { return c.layout }
