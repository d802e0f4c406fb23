package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/history"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/mailbox"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/provider"
	"github.com/sengokulabs/shogun/internal/state"
	"github.com/sengokulabs/shogun/internal/tracing"
	"github.com/sengokulabs/shogun/internal/wait"
)

// ErrQueueFull rejects an enqueue once the agent's backlog hits its cap.
var ErrQueueFull = errors.New("agent queue is full")

// errTurnCanceled aborts the turn loop from inside when a stop or an
// interrupt lands during a suspension. The message still counts as
// consumed.
var errTurnCanceled = errors.New("turn canceled")

// CancelReason distinguishes an operator stop from a superior's
// interrupt when a turn is torn down.
type CancelReason string

const (
	CancelStop      CancelReason = "stop"
	CancelInterrupt CancelReason = "interrupt"
)

const (
	// defaultMaxQueue caps the per-agent backlog.
	defaultMaxQueue = 100

	// baseMaxLoops is how many provider calls one inbound batch may
	// trigger. Every completed wait grants one more, so a turn that
	// legitimately waits is not starved of the call that consumes the
	// outcome.
	baseMaxLoops = 3

	// waitBudgetPerTurn bounds waitForMessage calls within one turn. The
	// budget is decremented before it is checked, so the last unit is
	// spent on the synthetic limit-reached timeout.
	waitBudgetPerTurn = 10

	// heartbeatInterval paces liveness updates while a provider call is
	// in flight.
	heartbeatInterval = 15 * time.Second

	// maxBodyFileBytes caps sendMessage bodyFile reads.
	maxBodyFileBytes = 10 * 1024
)

// Capabilities are the cross-agent hooks a runtime may exercise from
// tool calls. The manager wires them per role; a nil hook means the
// tool is denied for this agent.
type Capabilities struct {
	// AshigaruStatus partitions the worker fleet by idle/busy.
	AshigaruStatus func() StatusSets

	// Interrupt tears down another agent's current work.
	Interrupt func(target string, reason CancelReason) error
}

// RuntimeConfig assembles one agent runtime.
type RuntimeConfig struct {
	ID           string
	Role         hierarchy.Role
	ProviderName string
	Provider     provider.Provider
	State        *state.Store
	Waits        *wait.Store
	Writer       *mailbox.Writer

	// Superior receives untooled output as an auto reply. Empty disables
	// auto replies (shogun's superior is the king, reached elsewhere).
	Superior string

	// Recipients is the closed set of ids this agent may send to.
	Recipients []string

	// Subordinates is the closed set of ids this agent may interrupt.
	Subordinates []string

	SystemPrompt string

	// TmpDir is the agent's scratch directory for bodyFile payloads.
	TmpDir string

	Caps Capabilities

	// OnStatus fires after any externally visible state change.
	OnStatus func()

	Tracer   trace.Tracer
	MaxQueue int
}

// messageWaiter is the in-memory rendezvous for one suspension. A nil
// value on the channel means timeout or cancellation.
type messageWaiter struct {
	threadID string
	ch       chan *message.Message
}

// Runtime drives a single agent: a FIFO queue of inbound messages, one
// provider turn per batch, and the tool calls parsed out of each turn's
// output. All exported methods are safe for concurrent use.
type Runtime struct {
	id           string
	role         hierarchy.Role
	providerName string
	provider     provider.Provider
	state        *state.Store
	waits        *wait.Store
	writer       *mailbox.Writer
	superior     string
	recipients   []string
	allowed      map[string]bool
	subordinates map[string]bool
	systemPrompt string
	tmpDir       string
	caps         Capabilities
	onStatus     func()
	tracer       trace.Tracer
	maxQueue     int
	logger       zerolog.Logger

	mu              sync.Mutex
	queue           []message.Message
	completions     map[string][]chan error
	busy            bool
	stopRequested   bool
	activeThreadID  string
	currentActivity string
	cancelTurn      context.CancelFunc
	cancelReason    CancelReason
	waiter          *messageWaiter
	waitTimer       *time.Timer
	attached        map[string]bool
	activity        activityLog
	updatedAt       time.Time
}

// NewRuntime builds a runtime from cfg. It does not start any goroutine;
// work begins when the first message is enqueued.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	r := &Runtime{
		id:           cfg.ID,
		role:         cfg.Role,
		providerName: cfg.ProviderName,
		provider:     cfg.Provider,
		state:        cfg.State,
		waits:        cfg.Waits,
		writer:       cfg.Writer,
		superior:     cfg.Superior,
		recipients:   append([]string(nil), cfg.Recipients...),
		allowed:      make(map[string]bool, len(cfg.Recipients)),
		subordinates: make(map[string]bool, len(cfg.Subordinates)),
		systemPrompt: cfg.SystemPrompt,
		tmpDir:       cfg.TmpDir,
		caps:         cfg.Caps,
		onStatus:     cfg.OnStatus,
		tracer:       cfg.Tracer,
		maxQueue:     cfg.MaxQueue,
		logger:       log.WithAgent(cfg.ID),
		completions:  make(map[string][]chan error),
		attached:     make(map[string]bool),
		updatedAt:    time.Now(),
	}
	for _, id := range cfg.Recipients {
		r.allowed[id] = true
	}
	for _, id := range cfg.Subordinates {
		r.subordinates[id] = true
	}
	if r.maxQueue <= 0 {
		r.maxQueue = defaultMaxQueue
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer("agent")
	}
	return r
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.id }

// Role returns the agent's role.
func (r *Runtime) Role() hierarchy.Role { return r.role }

// Deliver enqueues msg and blocks until its turn has completed, failed,
// or been dropped. Mailbox archiving sits behind this call, so a crash
// mid-turn replays the message.
func (r *Runtime) Deliver(msg message.Message) error {
	return <-r.Enqueue(msg)
}

// Enqueue hands msg to the agent and returns a channel that yields the
// processing outcome exactly once. A message arriving while the agent is
// suspended on its thread resolves the wait instead of queueing.
func (r *Runtime) Enqueue(msg message.Message) <-chan error {
	done := make(chan error, 1)

	r.mu.Lock()

	// A live wait on this thread consumes the message directly. The
	// outcome is persisted first so a crash after this point resumes
	// with the message instead of re-suspending.
	if r.waiter != nil && r.waiter.threadID == msg.ThreadID {
		won, err := r.waits.MarkReceived(msg.ThreadID, r.id, msg)
		if err != nil {
			r.logger.Warn().Err(err).Str("threadId", msg.ThreadID).Msg("persist wait outcome failed")
		}
		if err == nil && won {
			r.stopWaitTimerLocked()
			r.resolveWaiterLocked(&msg)
			r.activity.add(actWaitDone, msg.From+": "+msg.Title)
			r.touchLocked()
			r.mu.Unlock()
			done <- nil
			return done
		}
		// The timeout beat this message to the record; queue it normally.
	}

	// A replayed copy of the message that already satisfied a wait is
	// acknowledged without queueing; its content lives in the record.
	if rec, ok, _ := r.waits.Get(msg.ThreadID, r.id); ok &&
		rec.ReceivedMessage != nil && rec.ReceivedMessage.ID == msg.ID {
		r.mu.Unlock()
		done <- nil
		return done
	}

	// A duplicate of a message already in flight attaches to its outcome.
	if chans, ok := r.completions[msg.ID]; ok {
		r.completions[msg.ID] = append(chans, done)
		r.mu.Unlock()
		return done
	}

	if len(r.queue) >= r.maxQueue {
		r.mu.Unlock()
		r.logger.Warn().
			Str("from", msg.From).
			Str("threadId", msg.ThreadID).
			Int("max", r.maxQueue).
			Msg("queue full, rejecting message")
		done <- ErrQueueFull
		return done
	}

	r.stopRequested = false
	r.queue = append(r.queue, msg)
	r.completions[msg.ID] = []chan error{done}
	r.activity.add(actEnqueue, msg.From+": "+msg.Title)
	r.touchLocked()
	start := !r.busy
	if start {
		r.busy = true
	}
	r.mu.Unlock()

	if start {
		go r.processLoop()
	}
	r.notifyStatus()
	return done
}

// Stop cancels the current turn and clears the backlog. Dropped backlog
// messages are acknowledged as handled; they are already recorded in
// history and the drop is deliberate. A later enqueue wakes the agent
// again.
func (r *Runtime) Stop() {
	r.cancel(CancelStop)
}

// Interrupt is Stop on behalf of a superior.
func (r *Runtime) Interrupt(reason CancelReason) {
	if reason == "" {
		reason = CancelInterrupt
	}
	r.cancel(reason)
}

func (r *Runtime) cancel(reason CancelReason) {
	r.mu.Lock()
	r.stopRequested = true
	r.cancelReason = reason

	var dropped []chan error
	for _, m := range r.queue {
		if chans, ok := r.completions[m.ID]; ok {
			dropped = append(dropped, chans...)
			delete(r.completions, m.ID)
		}
	}
	queued := len(r.queue)
	r.queue = nil

	r.stopWaitTimerLocked()
	r.resolveWaiterLocked(nil)

	cancelTurn := r.cancelTurn
	var ptid string
	if r.activeThreadID != "" {
		if sess, ok := r.state.Session(r.activeThreadID, r.id); ok {
			ptid = sess.ProviderThreadID
		}
	}
	active := r.busy
	r.activity.add(actStop, string(reason))
	r.touchLocked()
	r.mu.Unlock()

	r.logger.Info().
		Str("reason", string(reason)).
		Bool("active", active).
		Int("dropped", queued).
		Msg("cancel requested")

	if cancelTurn != nil {
		cancelTurn()
	}
	if ptid != "" {
		if err := r.provider.Cancel(ptid); err != nil {
			r.logger.Debug().Err(err).Msg("provider cancel")
		}
	}
	for _, c := range dropped {
		c <- nil
	}
	r.notifyStatus()
}

// Snapshot reports the agent's externally visible state.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := StatusIdle
	if r.busy {
		status = StatusBusy
	}
	return Snapshot{
		ID:             r.id,
		Role:           r.role,
		Status:         status,
		QueueSize:      len(r.queue),
		ActiveThreadID: r.activeThreadID,
		UpdatedAt:      r.updatedAt.UTC().Format(time.RFC3339),
		Activity:       r.currentActivity,
		ActivityLog:    r.activity.snapshot(),
	}
}

// ResumePendingWaits re-enqueues the origin message of every durable wait
// record belonging to this agent. Called once at boot, before the mailbox
// watcher starts delivering. Records whose origin is missing from history
// are unrecoverable and dropped.
func (r *Runtime) ResumePendingWaits(hist *history.Store) int {
	recs, err := r.waits.ListAgent(r.id)
	if err != nil {
		r.logger.Error().Err(err).Msg("list wait records")
		return 0
	}

	resumed := 0
	for _, rec := range recs {
		msg, ok, err := hist.Find(rec.ThreadID, rec.Message.MessageID)
		if err != nil || !ok {
			r.logger.Warn().
				Str("threadId", rec.ThreadID).
				Str("messageId", rec.Message.MessageID).
				Msg("wait origin missing from history, dropping record")
			if cerr := r.waits.Clear(rec.ThreadID, rec.AgentID); cerr != nil {
				r.logger.Warn().Err(cerr).Msg("clear orphaned wait record")
			}
			continue
		}
		r.logger.Info().
			Str("threadId", rec.ThreadID).
			Str("status", string(rec.Status)).
			Msg("resuming suspended wait")
		r.Enqueue(msg)
		resumed++
	}
	return resumed
}

// processLoop drains the queue one batch at a time. It exits when the
// queue is empty or a stop landed; Enqueue restarts it.
func (r *Runtime) processLoop() {
	for {
		r.mu.Lock()
		if r.stopRequested || len(r.queue) == 0 {
			r.busy = false
			r.currentActivity = ""
			r.touchLocked()
			r.mu.Unlock()
			r.notifyStatus()
			return
		}

		batch := r.dequeueBatchLocked()
		head := batch[0]
		ctx, cancel := context.WithCancel(context.Background())
		r.cancelTurn = cancel
		r.cancelReason = ""
		r.activeThreadID = head.ThreadID
		r.currentActivity = "processing: " + head.Title
		r.activity.add(actTurnStart, fmt.Sprintf("%s (%d message(s))", head.ThreadID, len(batch)))
		r.touchLocked()
		r.mu.Unlock()
		r.notifyStatus()

		err := r.runTurn(ctx, batch)
		cancel()

		r.mu.Lock()
		r.cancelTurn = nil
		if err != nil && r.cancelReason != "" {
			// The failure is the cancellation itself; the batch counts
			// as consumed.
			err = nil
		}
		if err != nil {
			r.activity.add(actTurnFailed, err.Error())
		} else {
			r.activity.add(actTurnDone, head.ThreadID)
		}
		var chans []chan error
		for _, m := range batch {
			if cs, ok := r.completions[m.ID]; ok {
				chans = append(chans, cs...)
				delete(r.completions, m.ID)
			}
		}
		r.activeThreadID = ""
		r.currentActivity = ""
		r.touchLocked()
		r.mu.Unlock()

		if err != nil {
			r.logger.Error().Err(err).Str("threadId", head.ThreadID).Msg("turn failed")
		}
		for _, c := range chans {
			c <- err
		}
		r.notifyStatus()
	}
}

// dequeueBatchLocked pops the head and coalesces every queued message on
// the same thread into one batch. A head that resumes a suspended wait
// stays alone: its turn input is the wait outcome, which has no room for
// siblings.
func (r *Runtime) dequeueBatchLocked() []message.Message {
	head := r.queue[0]
	r.queue = r.queue[1:]
	batch := []message.Message{head}
	if r.isWaitOriginLocked(head) {
		return batch
	}

	var remaining []message.Message
	for _, m := range r.queue {
		if m.ThreadID == head.ThreadID {
			batch = append(batch, m)
		} else {
			remaining = append(remaining, m)
		}
	}
	r.queue = remaining
	return batch
}

func (r *Runtime) isWaitOriginLocked(head message.Message) bool {
	rec, ok, err := r.waits.Get(head.ThreadID, r.id)
	return err == nil && ok && rec.Message.MessageID == head.ID
}

// runTurn executes one batch: session bring-up, the tool loop, and wait
// record cleanup on success. Cancellation surfaces as a nil error so the
// batch is acknowledged; genuine failures keep the wait record and are
// returned for redelivery.
func (r *Runtime) runTurn(ctx context.Context, batch []message.Message) error {
	head := batch[0]
	ctx, span := r.tracer.Start(ctx, tracing.SpanAgentTurn, trace.WithAttributes(
		attribute.String(tracing.AttrAgentID, r.id),
		attribute.String(tracing.AttrThreadID, head.ThreadID),
		attribute.Int(tracing.AttrBatchSize, len(batch)),
	))
	defer span.End()

	ptid, err := r.ensureSession(ctx, head.ThreadID)
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		return err
	}

	maxLoops := baseMaxLoops
	budget := waitBudgetPerTurn
	var input string

	rec, ok, err := r.waits.Get(head.ThreadID, r.id)
	if err != nil {
		return fmt.Errorf("read wait record: %w", err)
	}
	if ok && rec.Message.MessageID == head.ID {
		span.AddEvent(tracing.EventWaitResumed)
		res, rerr := r.resumeOutcome(ctx, rec, head, ptid, &budget)
		if rerr != nil {
			if errors.Is(rerr, errTurnCanceled) {
				return nil
			}
			return rerr
		}
		r.logger.Info().
			Str("threadId", head.ThreadID).
			Str("outcome", res.Status).
			Msg("delivering suspended wait outcome")
		input = formatToolResult(ToolWaitForMessage, res)
		maxLoops++
	} else {
		input = composeBatchInput(batch)
	}

	err = r.runWithTools(ctx, ptid, input, head, &maxLoops, &budget)
	if errors.Is(err, errTurnCanceled) {
		return nil
	}
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		return err
	}
	if cerr := r.waits.Clear(head.ThreadID, r.id); cerr != nil {
		r.logger.Warn().Err(cerr).Str("threadId", head.ThreadID).Msg("clear wait record")
	}
	return nil
}

// resumeOutcome turns a durable wait record into the TOOL_RESULT payload
// for the resumed turn. A record still pending carries the suspension
// over: the wait restarts with its original timeout and counts against
// the fresh turn's budget.
func (r *Runtime) resumeOutcome(ctx context.Context, rec wait.Record, head message.Message, ptid string, budget *int) (waitResult, error) {
	switch rec.Status {
	case wait.StatusReceived:
		if rec.ReceivedMessage == nil {
			r.logger.Warn().Str("threadId", rec.ThreadID).Msg("received wait record has no message")
			return waitResult{Status: waitOutcomeTimeout, TimeoutMs: rec.TimeoutMs, RemainingWaits: *budget}, nil
		}
		return messageResult(rec.ReceivedMessage, *budget), nil
	case wait.StatusTimeout:
		return waitResult{Status: waitOutcomeTimeout, TimeoutMs: rec.TimeoutMs, RemainingWaits: *budget}, nil
	default:
		req := ToolRequest{Name: ToolWaitForMessage, TimeoutMs: rec.TimeoutMs}
		return r.handleWait(ctx, req, head, ptid, budget)
	}
}

// runWithTools is the provider call loop: send input, parse tool lines,
// execute them, feed the results back in. Untooled output ends the turn,
// auto-replied to the superior when non-empty.
func (r *Runtime) runWithTools(ctx context.Context, ptid, input string, head message.Message, maxLoops, budget *int) error {
	for loop := 0; ; loop++ {
		if loop >= *maxLoops {
			r.logger.Warn().
				Str("threadId", head.ThreadID).
				Int("loops", loop).
				Msg("turn loop limit reached")
			return nil
		}

		output, err := r.sendToProvider(ctx, ptid, input)
		if err != nil {
			return err
		}

		reqs := ParseToolRequests(output)
		if len(reqs) == 0 {
			return r.maybeAutoReply(ctx, head, output)
		}
		r.logger.Debug().Int("tools", len(reqs)).Str("threadId", head.ThreadID).Msg("tool requests parsed")
		span := trace.SpanFromContext(ctx)
		for _, req := range reqs {
			span.AddEvent(tracing.EventToolParsed, trace.WithAttributes(
				attribute.String(tracing.AttrToolName, string(req.Name)),
			))
		}

		results, waited, err := r.executeTools(ctx, reqs, head, ptid, budget)
		if err != nil {
			return err
		}
		if waited {
			*maxLoops++
		}
		input = formatToolResults(results)
	}
}

// sendToProvider runs one provider call, keeping the activity feed alive
// while the call is in flight.
func (r *Runtime) sendToProvider(ctx context.Context, ptid, input string) (string, error) {
	ctx, span := r.tracer.Start(ctx, tracing.SpanProviderSend, trace.WithAttributes(
		attribute.String(tracing.AttrAgentID, r.id),
		attribute.String(tracing.AttrProviderThreadID, ptid),
	))
	defer span.End()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.touchActivity("")
			}
		}
	}()

	result, err := r.provider.SendMessage(ctx, provider.SendRequest{
		ThreadID: ptid,
		Input:    input,
		OnProgress: func(text string) {
			r.touchActivity(activityDetail(text))
		},
	})
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		return "", fmt.Errorf("provider send: %w", err)
	}
	return result.OutputText, nil
}

// toolExecution pairs a tool with its result payload.
type toolExecution struct {
	name    ToolName
	payload any
}

// executeTools runs parsed requests in line order. The first processed
// waitForMessage ends execution for the batch: anything after it belongs
// to a context the model no longer has.
func (r *Runtime) executeTools(ctx context.Context, reqs []ToolRequest, head message.Message, ptid string, budget *int) ([]toolExecution, bool, error) {
	var results []toolExecution
	waited := false

	for _, req := range reqs {
		if waited {
			r.logger.Warn().
				Str("tool", string(req.Name)).
				Str("line", req.Line).
				Msg("tool request after waitForMessage ignored")
			continue
		}
		if req.Err != nil {
			r.logger.Warn().Err(req.Err).Str("line", req.Line).Msg("malformed tool request")
			results = append(results, toolExecution{req.Name, errorPayload(req.Err)})
			continue
		}

		switch req.Name {
		case ToolGetAshigaruStatus:
			results = append(results, toolExecution{req.Name, r.toolAshigaruStatus()})
		case ToolInterruptAgent:
			results = append(results, toolExecution{req.Name, r.toolInterrupt(req, head)})
		case ToolSendMessage:
			results = append(results, toolExecution{req.Name, r.toolSend(req, head)})
		case ToolWaitForMessage:
			res, err := r.handleWait(ctx, req, head, ptid, budget)
			if err != nil {
				return nil, false, err
			}
			results = append(results, toolExecution{req.Name, res})
			waited = true
		}
	}
	return results, waited, nil
}

func (r *Runtime) toolAshigaruStatus() any {
	if r.caps.AshigaruStatus == nil {
		return errorPayload(fmt.Errorf("getAshigaruStatus is not available to %s", r.id))
	}
	return r.caps.AshigaruStatus()
}

// interruptResult reports one interruptAgent outcome.
type interruptResult struct {
	Status string `json:"status"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// toolInterrupt tears down a direct subordinate. The interrupt lands
// before any reason message is written: the teardown drains the target's
// queue, and the reason must survive that drain.
func (r *Runtime) toolInterrupt(req ToolRequest, head message.Message) any {
	if len(req.To) != 1 {
		return interruptResult{Status: "denied", Reason: "interruptAgent takes exactly one target"}
	}
	target := req.To[0]
	if r.caps.Interrupt == nil || !r.subordinates[target] {
		r.logger.Warn().Str("target", target).Msg("interrupt denied")
		return interruptResult{Status: "denied", To: target, Reason: r.id + " may not interrupt " + target}
	}

	reason := CancelStop
	if req.Body != "" {
		reason = CancelInterrupt
	}
	if err := r.caps.Interrupt(target, reason); err != nil {
		return interruptResult{Status: "denied", To: target, Reason: err.Error()}
	}
	r.logger.Info().Str("target", target).Msg("subordinate interrupted")

	if req.Body != "" {
		title := req.Title
		if title == "" {
			title = "interrupt"
		}
		if _, _, err := r.writer.Write(target, r.id, head.ThreadID, title, req.Body); err != nil {
			r.logger.Error().Err(err).Str("target", target).Msg("interrupt reason message failed")
			return interruptResult{Status: "interrupted", To: target, Reason: "reason message failed: " + err.Error()}
		}
	}

	r.withLock(func() { r.activity.add(actInterrupt, target) })
	return interruptResult{Status: "interrupted", To: target}
}

// sendOutcome reports a sendMessage fan-out.
type sendOutcome struct {
	Status string   `json:"status"`
	To     []string `json:"to,omitempty"`
	Denied []string `json:"denied,omitempty"`
	Failed []string `json:"failed,omitempty"`
}

// toolSend fans the message out to each allowed recipient on the current
// thread. Inline body wins over bodyFile when both are present.
func (r *Runtime) toolSend(req ToolRequest, head message.Message) any {
	body := req.Body
	if body == "" && req.BodyFile != "" {
		data, err := r.readBodyFile(req.BodyFile)
		if err != nil {
			r.logger.Warn().Err(err).Str("bodyFile", req.BodyFile).Msg("sendMessage bodyFile")
			return errorPayload(err)
		}
		body = data
	}
	title := req.Title
	if title == "" {
		title = "message"
	}

	var sent, denied, failed []string
	for _, to := range req.To {
		if !r.allowed[to] {
			r.logger.Warn().Str("to", to).Msg("send denied")
			denied = append(denied, to)
			continue
		}
		if _, _, err := r.writer.Write(to, r.id, head.ThreadID, title, body); err != nil {
			r.logger.Error().Err(err).Str("to", to).Msg("send failed")
			failed = append(failed, to)
			continue
		}
		sent = append(sent, to)
	}

	switch {
	case len(sent) > 0:
		return sendOutcome{Status: "sent", To: sent, Denied: denied, Failed: failed}
	case len(denied) > 0:
		return sendOutcome{Status: "denied", Denied: denied, Failed: failed}
	default:
		return sendOutcome{Status: "error", Failed: failed}
	}
}

// readBodyFile loads a sendMessage body from the agent's tmp directory.
// The name must stay inside that directory and under the size cap.
func (r *Runtime) readBodyFile(name string) (string, error) {
	if r.tmpDir == "" {
		return "", errors.New("bodyFile is not available here")
	}
	path := filepath.Join(r.tmpDir, name)
	rel, err := filepath.Rel(r.tmpDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("bodyFile %q escapes the agent tmp directory", name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("bodyFile: %w", err)
	}
	if info.Size() > maxBodyFileBytes {
		return "", fmt.Errorf("bodyFile %q is %d bytes, limit is %d", name, info.Size(), maxBodyFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("bodyFile: %w", err)
	}
	return string(data), nil
}

// Wait outcome statuses as the model sees them.
const (
	waitOutcomeMessage = "message"
	waitOutcomeTimeout = "timeout"
)

// waitResult is the waitForMessage TOOL_RESULT payload.
type waitResult struct {
	Status         string       `json:"status"`
	Message        *waitMessage `json:"message,omitempty"`
	TimeoutMs      int64        `json:"timeoutMs,omitempty"`
	LimitReached   bool         `json:"limitReached,omitempty"`
	RemainingWaits int          `json:"remainingWaits"`
}

// waitMessage is the delivered message as embedded in a waitResult.
type waitMessage struct {
	From  string `json:"from"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func messageResult(msg *message.Message, remaining int) waitResult {
	return waitResult{
		Status:         waitOutcomeMessage,
		Message:        &waitMessage{From: msg.From, Title: msg.Title, Body: msg.Body},
		RemainingWaits: remaining,
	}
}

// handleWait runs one waitForMessage: persist the suspension, then block
// until a message lands on the thread, the timeout fires, or the turn is
// torn down. The budget is spent before it is checked, so an exhausted
// budget yields a synthetic timeout without suspending.
func (r *Runtime) handleWait(ctx context.Context, req ToolRequest, head message.Message, ptid string, budget *int) (waitResult, error) {
	*budget--
	if *budget <= 0 {
		r.logger.Info().Str("threadId", head.ThreadID).Msg("wait budget exhausted")
		return waitResult{Status: waitOutcomeTimeout, LimitReached: true, RemainingWaits: 0}, nil
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = wait.DefaultTimeoutMs
	}

	ctx, span := r.tracer.Start(ctx, tracing.SpanWaitSuspend, trace.WithAttributes(
		attribute.String(tracing.AttrAgentID, r.id),
		attribute.String(tracing.AttrThreadID, head.ThreadID),
		attribute.Int64("wait.timeout_ms", timeoutMs),
	))
	defer span.End()

	rec := wait.Record{
		Status:           wait.StatusPending,
		ThreadID:         head.ThreadID,
		AgentID:          r.id,
		ProviderThreadID: ptid,
		TimeoutMs:        timeoutMs,
		Message: wait.Origin{
			MessageID: head.ID,
			From:      head.From,
			To:        head.To,
			Title:     head.Title,
			CreatedAt: head.CreatedAt,
		},
	}

	r.mu.Lock()
	if err := r.waits.Put(rec); err != nil {
		r.mu.Unlock()
		return waitResult{}, fmt.Errorf("persist wait: %w", err)
	}

	// A message already queued for this thread resolves the wait without
	// suspending at all.
	if msg, chans, ok := r.takeQueuedLocked(head.ThreadID); ok {
		if _, err := r.waits.MarkReceived(head.ThreadID, r.id, msg); err != nil {
			r.logger.Warn().Err(err).Str("threadId", head.ThreadID).Msg("persist wait outcome failed")
		}
		r.activity.add(actWaitDone, msg.From+": "+msg.Title)
		r.touchLocked()
		r.mu.Unlock()
		for _, c := range chans {
			c <- nil
		}
		r.notifyStatus()
		span.AddEvent(tracing.EventMessageDelivered)
		return messageResult(&msg, *budget), nil
	}

	ch := make(chan *message.Message, 1)
	r.waiter = &messageWaiter{threadID: head.ThreadID, ch: ch}
	r.waitTimer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		r.onWaitTimeout(head.ThreadID)
	})
	r.activity.add(actWait, fmt.Sprintf("%s (%dms)", head.ThreadID, timeoutMs))
	r.currentActivity = "waiting for message"
	r.touchLocked()
	r.mu.Unlock()
	r.notifyStatus()

	r.logger.Info().
		Str("threadId", head.ThreadID).
		Int64("timeoutMs", timeoutMs).
		Int("remaining", *budget).
		Msg("suspended on waitForMessage")

	select {
	case msg := <-ch:
		if msg == nil {
			if r.canceled() {
				return waitResult{}, errTurnCanceled
			}
			span.AddEvent(tracing.EventWaitTimeout)
			r.logger.Info().Str("threadId", head.ThreadID).Msg("wait timed out")
			return waitResult{Status: waitOutcomeTimeout, TimeoutMs: timeoutMs, RemainingWaits: *budget}, nil
		}
		span.AddEvent(tracing.EventMessageDelivered)
		return messageResult(msg, *budget), nil

	case <-ctx.Done():
		r.mu.Lock()
		r.stopWaitTimerLocked()
		r.resolveWaiterLocked(nil)
		r.mu.Unlock()
		return waitResult{}, errTurnCanceled
	}
}

// onWaitTimeout is the wait timer callback. The durable record is the
// arbiter: the transition only resolves the waiter if no message won the
// race first.
func (r *Runtime) onWaitTimeout(threadID string) {
	won, err := r.waits.MarkTimeout(threadID, r.id)
	if err != nil {
		r.logger.Warn().Err(err).Str("threadId", threadID).Msg("persist wait timeout failed")
	}

	r.mu.Lock()
	if won && r.waiter != nil && r.waiter.threadID == threadID {
		r.resolveWaiterLocked(nil)
	}
	r.waitTimer = nil
	r.mu.Unlock()
}

// takeQueuedLocked removes the first queued message on threadID and
// detaches its completions for the caller to resolve.
func (r *Runtime) takeQueuedLocked(threadID string) (message.Message, []chan error, bool) {
	for i, m := range r.queue {
		if m.ThreadID != threadID {
			continue
		}
		r.queue = append(r.queue[:i:i], r.queue[i+1:]...)
		chans := r.completions[m.ID]
		delete(r.completions, m.ID)
		return m, chans, true
	}
	return message.Message{}, nil, false
}

// resolveWaiterLocked delivers msg (nil for timeout or teardown) to the
// suspended turn at most once.
func (r *Runtime) resolveWaiterLocked(msg *message.Message) {
	if r.waiter == nil {
		return
	}
	r.waiter.ch <- msg
	r.waiter = nil
}

func (r *Runtime) stopWaitTimerLocked() {
	if r.waitTimer != nil {
		r.waitTimer.Stop()
		r.waitTimer = nil
	}
}

func (r *Runtime) canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason != ""
}

// maybeAutoReply forwards untooled output up the chain. Shogun has no
// configured superior here; its replies surface to the king through the
// mailbox route instead.
func (r *Runtime) maybeAutoReply(ctx context.Context, head message.Message, output string) error {
	text := strings.TrimSpace(output)
	if text == "" || r.superior == "" || !r.allowed[r.superior] {
		return nil
	}
	title := "auto_reply: " + head.Title
	if _, _, err := r.writer.Write(r.superior, r.id, head.ThreadID, title, text); err != nil {
		return fmt.Errorf("auto reply to %s: %w", r.superior, err)
	}
	trace.SpanFromContext(ctx).AddEvent(tracing.EventAutoReply)
	r.logger.Debug().Str("to", r.superior).Str("threadId", head.ThreadID).Msg("auto reply sent")
	r.withLock(func() { r.activity.add(actAutoReply, r.superior) })
	return nil
}

// ensureSession returns the provider thread backing (threadID, agent),
// creating and seeding it on first contact. After a process restart the
// first use of a recorded session re-attaches once.
func (r *Runtime) ensureSession(ctx context.Context, threadID string) (string, error) {
	if sess, ok := r.state.Session(threadID, r.id); ok && sess.Initialized && sess.ProviderThreadID != "" {
		r.mu.Lock()
		attached := r.attached[sess.ProviderThreadID]
		r.mu.Unlock()
		if !attached {
			if _, err := r.provider.ResumeThread(ctx, sess.ProviderThreadID); err != nil {
				return "", fmt.Errorf("resume session: %w", err)
			}
			r.mu.Lock()
			r.attached[sess.ProviderThreadID] = true
			r.mu.Unlock()
			r.logger.Info().
				Str("threadId", threadID).
				Str("providerThreadId", sess.ProviderThreadID).
				Msg("session re-attached")
		}
		return sess.ProviderThreadID, nil
	}

	ctx, span := r.tracer.Start(ctx, tracing.SpanSessionInit, trace.WithAttributes(
		attribute.String(tracing.AttrAgentID, r.id),
		attribute.String(tracing.AttrAgentRole, string(r.role)),
		attribute.String(tracing.AttrThreadID, threadID),
		attribute.String(tracing.AttrProvider, r.providerName),
	))
	defer span.End()

	thread, err := r.provider.CreateThread(ctx, provider.CreateThreadOptions{
		InitialInput: r.seedInput(),
	})
	if err != nil {
		span.SetAttributes(attribute.String(tracing.AttrErrorMessage, err.Error()))
		return "", fmt.Errorf("create session: %w", err)
	}

	sess := state.Session{
		Provider:         r.providerName,
		ProviderThreadID: thread.ID,
		Initialized:      true,
	}
	if err := r.state.SetSession(threadID, r.id, sess); err != nil {
		return "", fmt.Errorf("record session: %w", err)
	}

	r.mu.Lock()
	r.attached[thread.ID] = true
	r.activity.add(actSessionInit, thread.ID)
	r.mu.Unlock()

	r.logger.Info().
		Str("threadId", threadID).
		Str("providerThreadId", thread.ID).
		Msg("session initialized")
	return thread.ID, nil
}

func (r *Runtime) seedInput() string {
	return r.systemPrompt + "\n\n" + AckRequest
}

// composeBatchInput renders the turn input. A single message keeps the
// plain header form; several are framed so the model can tell them
// apart.
func composeBatchInput(batch []message.Message) string {
	if len(batch) == 1 {
		return formatInboundMessage(batch[0])
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "BATCH_START count=%d\n", len(batch))
	for i, m := range batch {
		fmt.Fprintf(&sb, "--- MESSAGE %d/%d START ---\n", i+1, len(batch))
		sb.WriteString(formatInboundMessage(m))
		if !strings.HasSuffix(m.Body, "\n") {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "--- MESSAGE %d/%d END ---\n", i+1, len(batch))
	}
	sb.WriteString("BATCH_END")
	return sb.String()
}

func formatInboundMessage(m message.Message) string {
	return fmt.Sprintf("FROM: %s\nDATE: %s\nTITLE: %s\n\n%s", m.From, m.CreatedAt, m.Title, m.Body)
}

// formatToolResults renders executed tools back into model input: the
// single-result line form, or a JSON array for a batch.
func formatToolResults(results []toolExecution) string {
	if len(results) == 1 {
		return formatToolResult(results[0].name, results[0].payload)
	}

	type entry struct {
		Tool   ToolName `json:"tool"`
		Result any      `json:"result"`
	}
	entries := make([]entry, 0, len(results))
	for _, res := range results {
		entries = append(entries, entry{Tool: res.name, Result: res.payload})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		data = []byte("[]")
	}
	return "TOOL_RESULT batch: " + string(data)
}

func formatToolResult(name ToolName, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("TOOL_RESULT %s: %s", name, data)
}

type toolError struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func errorPayload(err error) toolError {
	return toolError{Status: "error", Error: err.Error()}
}

func (r *Runtime) withLock(fn func()) {
	r.mu.Lock()
	fn()
	r.mu.Unlock()
}

// touchActivity refreshes liveness, optionally replacing the current
// activity line.
func (r *Runtime) touchActivity(detail string) {
	r.mu.Lock()
	if detail != "" {
		r.currentActivity = detail
	}
	r.touchLocked()
	r.mu.Unlock()
	r.notifyStatus()
}

func (r *Runtime) touchLocked() {
	r.updatedAt = time.Now()
}

func (r *Runtime) notifyStatus() {
	if r.onStatus != nil {
		r.onStatus()
	}
}

// activityDetail compresses provider progress text into one short line.
func activityDetail(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.LastIndexByte(text, '\n'); idx >= 0 {
		text = strings.TrimSpace(text[idx+1:])
	}
	const maxDetail = 120
	if len(text) > maxDetail {
		text = text[:maxDetail-3] + "..."
	}
	return text
}
