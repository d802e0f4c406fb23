package agent

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/history"
	"github.com/sengokulabs/shogun/internal/isotime"
	"github.com/sengokulabs/shogun/internal/mailbox"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/provider/mock"
	"github.com/sengokulabs/shogun/internal/state"
	"github.com/sengokulabs/shogun/internal/wait"
)

// runtimeRig wires one karou runtime against real stores in a temp dir
// and a scripted provider.
type runtimeRig struct {
	t      *testing.T
	dir    string
	states *state.Store
	waits  *wait.Store
	hist   *history.Store
	mock   *mock.Provider
	rt     *Runtime
}

func newRuntimeRig(t *testing.T, mutate ...func(*RuntimeConfig)) *runtimeRig {
	t.Helper()
	return buildRuntimeRig(t, t.TempDir(), mutate...)
}

func buildRuntimeRig(t *testing.T, dir string, mutate ...func(*RuntimeConfig)) *runtimeRig {
	t.Helper()

	states, err := state.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	rig := &runtimeRig{
		t:      t,
		dir:    dir,
		states: states,
		waits:  wait.NewStore(filepath.Join(dir, "waits")),
		hist:   history.NewStore(filepath.Join(dir, "history")),
		mock:   mock.New(),
	}

	ashigaru := hierarchy.AshigaruIDs(2)
	cfg := RuntimeConfig{
		ID:           hierarchy.Karou,
		Role:         hierarchy.RoleKarou,
		ProviderName: mock.Name,
		Provider:     rig.mock,
		State:        states,
		Waits:        rig.waits,
		Writer:       mailbox.NewWriter(dir),
		Superior:     hierarchy.Shogun,
		Recipients:   hierarchy.AllowedRecipients(hierarchy.Karou, ashigaru),
		Subordinates: ashigaru,
		SystemPrompt: "you are karou",
		TmpDir:       filepath.Join(dir, "tmp", hierarchy.Karou),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	rig.rt = NewRuntime(cfg)
	return rig
}

// restart builds a fresh runtime and provider over the same directory,
// simulating a process restart.
func (r *runtimeRig) restart(mutate ...func(*RuntimeConfig)) *runtimeRig {
	r.t.Helper()
	return buildRuntimeRig(r.t, r.dir, mutate...)
}

func (r *runtimeRig) message(id, threadID, from, title, body string) message.Message {
	return message.Message{
		ID:        id,
		ThreadID:  threadID,
		From:      from,
		To:        hierarchy.Karou,
		Title:     title,
		Body:      body,
		CreatedAt: isotime.Now(),
	}
}

// mailboxBodies lists the pending mailbox bodies for one (to, from) pair.
func (r *runtimeRig) mailboxBodies(to, from string) []string {
	r.t.Helper()
	files, err := filepath.Glob(filepath.Join(r.dir, mailbox.PendingTier, to, "from", from, "*.md"))
	require.NoError(r.t, err)
	sort.Strings(files)
	var bodies []string
	for _, p := range files {
		data, err := os.ReadFile(p)
		require.NoError(r.t, err)
		bodies = append(bodies, string(data))
	}
	return bodies
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}

func TestDeliverRunsTurnAndAutoReplies(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("delegation planned, standing by")

	msg := rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "start the survey")
	require.NoError(t, rig.rt.Deliver(msg))

	require.Equal(t, []string{"mock-thread-1"}, rig.mock.Created())

	seed := rig.mock.Inputs()[0]
	require.True(t, seed.Seed)
	require.Contains(t, seed.Input, "You are karou")
	require.Contains(t, seed.Input, AckRequest)

	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 1)
	require.Contains(t, inputs[0], "FROM: shogun")
	require.Contains(t, inputs[0], "TITLE: kickoff")
	require.Contains(t, inputs[0], "start the survey")

	sess, ok := rig.states.Session("thread-a", hierarchy.Karou)
	require.True(t, ok)
	require.Equal(t, "mock-thread-1", sess.ProviderThreadID)
	require.True(t, sess.Initialized)

	bodies := rig.mailboxBodies(hierarchy.Shogun, hierarchy.Karou)
	require.Len(t, bodies, 1, "untooled output is forwarded to the superior")
	require.Equal(t, "delegation planned, standing by", bodies[0])

	snap := rig.rt.Snapshot()
	require.Equal(t, StatusIdle, snap.Status)
	require.Zero(t, snap.QueueSize)
}

func TestSessionsArePerThread(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("", "", "")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "one", "x")))
	require.NoError(t, rig.rt.Deliver(rig.message("m2", "thread-a", hierarchy.Shogun, "two", "y")))
	require.NoError(t, rig.rt.Deliver(rig.message("m3", "thread-b", hierarchy.Shogun, "three", "z")))

	require.Equal(t, []string{"mock-thread-1", "mock-thread-2"}, rig.mock.Created())
	require.Len(t, rig.mock.InputsFor("mock-thread-1"), 2, "same thread reuses its session")
	require.Len(t, rig.mock.InputsFor("mock-thread-2"), 1)
	require.Empty(t, rig.mock.Resumed())
}

func TestSessionReattachedAfterRestart(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("")
	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "one", "x")))

	rig2 := rig.restart()
	rig2.mock.Script("mock-thread-1", "")
	require.NoError(t, rig2.rt.Deliver(rig2.message("m2", "thread-a", hierarchy.Shogun, "two", "y")))

	require.Empty(t, rig2.mock.Created(), "recorded session is reused, not recreated")
	require.Equal(t, []string{"mock-thread-1"}, rig2.mock.Resumed())
	require.Len(t, rig2.mock.InputsFor("mock-thread-1"), 1)
}

func TestQueuedSameThreadMessagesBatch(t *testing.T) {
	rig := newRuntimeRig(t)
	release := rig.mock.Block("mock-thread-1")
	rig.mock.ScriptNext("holding", "batch handled")

	first := rig.rt.Enqueue(rig.message("m1", "thread-a", hierarchy.Shogun, "first", "occupy the agent"))
	waitFor(t, func() bool { return rig.rt.Snapshot().ActiveThreadID == "thread-a" }, "first turn should start")

	second := rig.rt.Enqueue(rig.message("m2", "thread-b", hierarchy.Shogun, "second", "part one"))
	third := rig.rt.Enqueue(rig.message("m3", "thread-b", "ashigaru1", "third", "part two"))
	release()

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.NoError(t, <-third)

	require.Equal(t, []string{"mock-thread-1", "mock-thread-2"}, rig.mock.Created())
	inputs := rig.mock.InputsFor("mock-thread-2")
	require.Len(t, inputs, 1, "queued same-thread messages share one turn")
	require.Contains(t, inputs[0], "BATCH_START count=2")
	require.Contains(t, inputs[0], "--- MESSAGE 1/2 START ---")
	require.Contains(t, inputs[0], "part one")
	require.Contains(t, inputs[0], "--- MESSAGE 2/2 END ---")
	require.Contains(t, inputs[0], "part two")
	require.Contains(t, inputs[0], "BATCH_END")
}

func TestWaitForMessageSatisfiedByArrival(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("TOOL:waitForMessage timeoutMs=60000", "got it, proceeding")

	first := rig.rt.Enqueue(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "wait for the report"))
	waitFor(t, func() bool {
		rec, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
		return err == nil && ok && rec.Status == wait.StatusPending
	}, "runtime should suspend durably")

	reply := rig.rt.Enqueue(rig.message("m2", "thread-a", "ashigaru1", "report", "all tasks finished"))
	require.NoError(t, <-reply, "the consuming wait acknowledges the message")
	require.NoError(t, <-first)

	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 2)
	require.True(t, strings.HasPrefix(inputs[1], "TOOL_RESULT waitForMessage:"))
	require.Contains(t, inputs[1], `"status":"message"`)
	require.Contains(t, inputs[1], "all tasks finished")
	require.Contains(t, inputs[1], `"remainingWaits":9`)

	_, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
	require.NoError(t, err)
	require.False(t, ok, "wait record is cleared once the turn completes")
}

func TestWaitForMessageTimesOut(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("TOOL:waitForMessage timeoutMs=40", "nothing arrived, wrapping up")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "go")))

	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 2)
	require.Contains(t, inputs[1], `"status":"timeout"`)
	require.Contains(t, inputs[1], `"timeoutMs":40`)

	_, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWaitAlreadySatisfiedByQueuedMessage(t *testing.T) {
	rig := newRuntimeRig(t)
	release := rig.mock.Block("mock-thread-1")
	rig.mock.ScriptNext("TOOL:waitForMessage timeoutMs=60000", "answer in hand")

	first := rig.rt.Enqueue(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "go"))
	waitFor(t, func() bool { return len(rig.mock.InputsFor("mock-thread-1")) == 1 }, "turn should reach the provider")

	// Lands in the queue while the provider call is still in flight.
	second := rig.rt.Enqueue(rig.message("m2", "thread-a", "ashigaru1", "early report", "done already"))
	release()

	require.NoError(t, <-second)
	require.NoError(t, <-first)

	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 2, "the wait resolves from the queue without suspending")
	require.Contains(t, inputs[1], `"status":"message"`)
	require.Contains(t, inputs[1], "done already")
}

func TestWaitBudgetBoundsOneTurn(t *testing.T) {
	rig := newRuntimeRig(t)
	var outputs []string
	for i := 0; i < 10; i++ {
		outputs = append(outputs, "TOOL:waitForMessage timeoutMs=1")
	}
	outputs = append(outputs, "giving up")
	rig.mock.ScriptNext(outputs...)

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "poll away")))

	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 11, "nine real waits, one synthetic, one closing turn")
	require.Contains(t, inputs[1], `"remainingWaits":9`)
	require.Contains(t, inputs[9], `"remainingWaits":1`)
	require.Contains(t, inputs[10], `"limitReached":true`)
	require.Contains(t, inputs[10], `"remainingWaits":0`)
	for _, in := range inputs[1:10] {
		require.NotContains(t, in, "limitReached")
	}
}

func TestSendMessageToolFansOutWithAuthorization(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext(
		`TOOL:sendMessage to=ashigaru1,king title="task" body="fetch the data"`,
		"",
	)

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "go")))

	bodies := rig.mailboxBodies("ashigaru1", hierarchy.Karou)
	require.Len(t, bodies, 1)
	require.Equal(t, "fetch the data", bodies[0])
	require.Empty(t, rig.mailboxBodies(hierarchy.King, hierarchy.Karou), "karou must not reach the king")

	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 2)
	require.Contains(t, inputs[1], `"status":"sent"`)
	require.Contains(t, inputs[1], `"to":["ashigaru1"]`)
	require.Contains(t, inputs[1], `"denied":["king"]`)
}

func TestSendMessageBodyFile(t *testing.T) {
	rig := newRuntimeRig(t)
	tmp := filepath.Join(rig.dir, "tmp", hierarchy.Karou)
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "report.md"), []byte("full survey results"), 0o644))

	rig.mock.ScriptNext(
		`TOOL:sendMessage to=shogun title="report" bodyFile=report.md`,
		"",
	)
	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "go")))

	bodies := rig.mailboxBodies(hierarchy.Shogun, hierarchy.Karou)
	require.Len(t, bodies, 1)
	require.Equal(t, "full survey results", bodies[0])
}

func TestSendMessageBodyFileCannotEscapeTmp(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext(
		"TOOL:sendMessage to=shogun title=t bodyFile=../../state.json",
		"",
	)
	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "go")))

	require.Empty(t, rig.mailboxBodies(hierarchy.Shogun, hierarchy.Karou))
	inputs := rig.mock.InputsFor("mock-thread-1")
	require.Len(t, inputs, 2)
	require.Contains(t, inputs[1], `"status":"error"`)
	require.Contains(t, inputs[1], "escapes")
}

func TestInterruptAgentTool(t *testing.T) {
	var gotTarget string
	var gotReason CancelReason
	rig := newRuntimeRig(t, func(cfg *RuntimeConfig) {
		cfg.Caps.Interrupt = func(target string, reason CancelReason) error {
			gotTarget, gotReason = target, reason
			return nil
		}
	})
	rig.mock.ScriptNext(`TOOL:interruptAgent to=ashigaru1 body="new priorities, drop the scan"`, "")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "pivot", "change course")))

	require.Equal(t, "ashigaru1", gotTarget)
	require.Equal(t, CancelInterrupt, gotReason)

	bodies := rig.mailboxBodies("ashigaru1", hierarchy.Karou)
	require.Len(t, bodies, 1, "the reason is delivered as a message")
	require.Equal(t, "new priorities, drop the scan", bodies[0])

	require.Contains(t, rig.mock.InputsFor("mock-thread-1")[1], `"status":"interrupted"`)
}

func TestInterruptAgentWithoutBodyJustStops(t *testing.T) {
	var gotReason CancelReason
	rig := newRuntimeRig(t, func(cfg *RuntimeConfig) {
		cfg.Caps.Interrupt = func(_ string, reason CancelReason) error {
			gotReason = reason
			return nil
		}
	})
	rig.mock.ScriptNext("TOOL:interruptAgent to=ashigaru2", "")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "halt", "wind down")))

	require.Equal(t, CancelStop, gotReason)
	require.Empty(t, rig.mailboxBodies("ashigaru2", hierarchy.Karou), "no reason message without a body")
}

func TestInterruptAgentDeniedOutsideSubordinates(t *testing.T) {
	called := false
	rig := newRuntimeRig(t, func(cfg *RuntimeConfig) {
		cfg.Caps.Interrupt = func(string, CancelReason) error {
			called = true
			return nil
		}
	})
	rig.mock.ScriptNext(`TOOL:interruptAgent to=shogun body="stop"`, "")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "x", "y")))

	require.False(t, called, "denied interrupts never reach the capability")
	require.Contains(t, rig.mock.InputsFor("mock-thread-1")[1], `"status":"denied"`)
}

func TestAshigaruStatusTool(t *testing.T) {
	rig := newRuntimeRig(t, func(cfg *RuntimeConfig) {
		cfg.Caps.AshigaruStatus = func() StatusSets {
			return StatusSets{Idle: []string{"ashigaru1"}, Busy: []string{"ashigaru2"}}
		}
	})
	rig.mock.ScriptNext("TOOL:getAshigaruStatus", "")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "check", "who is free")))

	in := rig.mock.InputsFor("mock-thread-1")[1]
	require.Contains(t, in, `"idle":["ashigaru1"]`)
	require.Contains(t, in, `"busy":["ashigaru2"]`)
}

func TestAshigaruStatusUnavailableWithoutCapability(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("TOOL:getAshigaruStatus", "")

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "check", "who is free")))

	require.Contains(t, rig.mock.InputsFor("mock-thread-1")[1], `"status":"error"`)
}

func TestMultipleToolsShareOneResultBatch(t *testing.T) {
	rig := newRuntimeRig(t, func(cfg *RuntimeConfig) {
		cfg.Caps.AshigaruStatus = func() StatusSets {
			return StatusSets{Idle: []string{"ashigaru1", "ashigaru2"}, Busy: []string{}}
		}
	})
	rig.mock.ScriptNext(
		"TOOL:getAshigaruStatus\nTOOL:sendMessage to=ashigaru1 title=next body=\"phase two\"",
		"",
	)

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "go", "x")))

	in := rig.mock.InputsFor("mock-thread-1")[1]
	require.True(t, strings.HasPrefix(in, "TOOL_RESULT batch: ["))
	require.Contains(t, in, `"tool":"getAshigaruStatus"`)
	require.Contains(t, in, `"tool":"sendMessage"`)
	require.Len(t, rig.mailboxBodies("ashigaru1", hierarchy.Karou), 1)
}

func TestToolsAfterWaitAreIgnored(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext(
		"TOOL:waitForMessage timeoutMs=30\nTOOL:sendMessage to=ashigaru1 title=t body=\"should not send\"",
		"",
	)

	require.NoError(t, rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "go", "x")))

	require.Empty(t, rig.mailboxBodies("ashigaru1", hierarchy.Karou), "tools after a processed wait are dropped")
	in := rig.mock.InputsFor("mock-thread-1")[1]
	require.True(t, strings.HasPrefix(in, "TOOL_RESULT waitForMessage:"), "the wait result is not wrapped in a batch")
}

func TestStopCancelsTurnAndDrainsQueue(t *testing.T) {
	rig := newRuntimeRig(t)
	release := rig.mock.Block("mock-thread-1")
	defer release()

	first := rig.rt.Enqueue(rig.message("m1", "thread-a", hierarchy.Shogun, "long", "occupy"))
	waitFor(t, func() bool { return len(rig.mock.InputsFor("mock-thread-1")) == 1 }, "turn should reach the provider")
	second := rig.rt.Enqueue(rig.message("m2", "thread-b", hierarchy.Shogun, "queued", "waiting"))

	rig.rt.Stop()

	require.NoError(t, <-first, "a canceled batch counts as consumed")
	require.NoError(t, <-second, "drained backlog is acknowledged, not failed")

	waitFor(t, func() bool { return rig.rt.Snapshot().Status == StatusIdle }, "agent should go idle")
	require.Equal(t, 1, rig.mock.CancelCount("mock-thread-1"))
	require.Equal(t, []string{"mock-thread-1"}, rig.mock.Created(), "the drained message never started a turn")
}

func TestStopDuringWaitKeepsRecordForResume(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.ScriptNext("TOOL:waitForMessage timeoutMs=60000")

	first := rig.rt.Enqueue(rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "wait it out"))
	waitFor(t, func() bool {
		rec, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
		return err == nil && ok && rec.Status == wait.StatusPending
	}, "runtime should suspend")

	rig.rt.Stop()
	require.NoError(t, <-first)

	rec, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
	require.NoError(t, err)
	require.True(t, ok, "the suspension survives the stop for a later resume")
	require.Equal(t, wait.StatusPending, rec.Status)
	require.Equal(t, "m1", rec.Message.MessageID)
}

func TestResumeDeliversReceivedOutcome(t *testing.T) {
	rig := newRuntimeRig(t)
	origin := rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "wait for results")
	require.NoError(t, rig.hist.Append(origin))
	require.NoError(t, rig.waits.Put(wait.Record{
		Status:    wait.StatusPending,
		ThreadID:  "thread-a",
		AgentID:   hierarchy.Karou,
		TimeoutMs: 60000,
		Message: wait.Origin{
			MessageID: origin.ID,
			From:      origin.From,
			To:        origin.To,
			Title:     origin.Title,
			CreatedAt: origin.CreatedAt,
		},
	}))
	won, err := rig.waits.MarkReceived("thread-a", hierarchy.Karou,
		rig.message("m2", "thread-a", "ashigaru1", "report", "analysis finished"))
	require.NoError(t, err)
	require.True(t, won)

	rig.mock.ScriptNext("picking up where I left off")
	require.Equal(t, 1, rig.rt.ResumePendingWaits(rig.hist))

	waitFor(t, func() bool { return len(rig.mock.InputsFor("mock-thread-1")) == 1 }, "resumed turn should run")
	waitFor(t, func() bool { return rig.rt.Snapshot().Status == StatusIdle }, "resumed turn should finish")

	in := rig.mock.InputsFor("mock-thread-1")[0]
	require.True(t, strings.HasPrefix(in, "TOOL_RESULT waitForMessage:"), "a resumed turn carries only the wait outcome")
	require.Contains(t, in, `"status":"message"`)
	require.Contains(t, in, "analysis finished")
	require.Contains(t, in, `"remainingWaits":10`, "a received outcome does not spend the fresh budget")

	_, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResumeDeliversTimeoutOutcome(t *testing.T) {
	rig := newRuntimeRig(t)
	origin := rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "wait for results")
	require.NoError(t, rig.hist.Append(origin))
	require.NoError(t, rig.waits.Put(wait.Record{
		Status:    wait.StatusPending,
		ThreadID:  "thread-a",
		AgentID:   hierarchy.Karou,
		TimeoutMs: 45000,
		Message:   wait.Origin{MessageID: origin.ID, From: origin.From, To: origin.To, Title: origin.Title, CreatedAt: origin.CreatedAt},
	}))
	won, err := rig.waits.MarkTimeout("thread-a", hierarchy.Karou)
	require.NoError(t, err)
	require.True(t, won)

	rig.mock.ScriptNext("")
	require.Equal(t, 1, rig.rt.ResumePendingWaits(rig.hist))
	waitFor(t, func() bool { return rig.rt.Snapshot().Status == StatusIdle && len(rig.mock.InputsFor("mock-thread-1")) == 1 }, "resumed turn should finish")

	in := rig.mock.InputsFor("mock-thread-1")[0]
	require.Contains(t, in, `"status":"timeout"`)
	require.Contains(t, in, `"timeoutMs":45000`)
}

func TestResumePendingReSuspends(t *testing.T) {
	rig := newRuntimeRig(t)
	origin := rig.message("m1", "thread-a", hierarchy.Shogun, "kickoff", "wait for results")
	require.NoError(t, rig.hist.Append(origin))
	require.NoError(t, rig.waits.Put(wait.Record{
		Status:    wait.StatusPending,
		ThreadID:  "thread-a",
		AgentID:   hierarchy.Karou,
		TimeoutMs: 30,
		Message:   wait.Origin{MessageID: origin.ID, From: origin.From, To: origin.To, Title: origin.Title, CreatedAt: origin.CreatedAt},
	}))

	rig.mock.ScriptNext("")
	require.Equal(t, 1, rig.rt.ResumePendingWaits(rig.hist))
	waitFor(t, func() bool { return rig.rt.Snapshot().Status == StatusIdle && len(rig.mock.InputsFor("mock-thread-1")) == 1 }, "re-suspended wait should time out and finish")

	in := rig.mock.InputsFor("mock-thread-1")[0]
	require.Contains(t, in, `"status":"timeout"`)
	require.Contains(t, in, `"remainingWaits":9`, "a carried-over suspension counts against the fresh budget")
}

func TestResumeDropsRecordWithoutHistory(t *testing.T) {
	rig := newRuntimeRig(t)
	require.NoError(t, rig.waits.Put(wait.Record{
		Status:    wait.StatusPending,
		ThreadID:  "thread-a",
		AgentID:   hierarchy.Karou,
		TimeoutMs: 60000,
		Message:   wait.Origin{MessageID: "m-vanished", From: hierarchy.Shogun, To: hierarchy.Karou, Title: "gone", CreatedAt: isotime.Now()},
	}))

	require.Zero(t, rig.rt.ResumePendingWaits(rig.hist))

	_, ok, err := rig.waits.Get("thread-a", hierarchy.Karou)
	require.NoError(t, err)
	require.False(t, ok, "unrecoverable records are dropped")
}

func TestQueueFullRejects(t *testing.T) {
	rig := newRuntimeRig(t, func(cfg *RuntimeConfig) { cfg.MaxQueue = 1 })
	release := rig.mock.Block("mock-thread-1")
	rig.mock.ScriptNext("", "")

	first := rig.rt.Enqueue(rig.message("m1", "thread-a", hierarchy.Shogun, "one", "occupy"))
	waitFor(t, func() bool { return rig.rt.Snapshot().ActiveThreadID == "thread-a" }, "first message should be in flight")

	second := rig.rt.Enqueue(rig.message("m2", "thread-b", hierarchy.Shogun, "two", "queued"))
	third := rig.rt.Enqueue(rig.message("m3", "thread-c", hierarchy.Shogun, "three", "rejected"))
	require.ErrorIs(t, <-third, ErrQueueFull)

	release()
	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestDuplicateMessageAttachesToInFlight(t *testing.T) {
	rig := newRuntimeRig(t)
	release := rig.mock.Block("mock-thread-1")
	rig.mock.ScriptNext("")

	msg := rig.message("m1", "thread-a", hierarchy.Shogun, "once", "body")
	first := rig.rt.Enqueue(msg)
	waitFor(t, func() bool { return len(rig.mock.InputsFor("mock-thread-1")) == 1 }, "turn should start")
	second := rig.rt.Enqueue(msg)
	release()

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.Len(t, rig.mock.InputsFor("mock-thread-1"), 1, "the duplicate never reaches the provider")
}

func TestProviderFailureSurfacesToDeliver(t *testing.T) {
	rig := newRuntimeRig(t)
	rig.mock.FailNext(errors.New("backend unavailable"))

	err := rig.rt.Deliver(rig.message("m1", "thread-a", hierarchy.Shogun, "go", "x"))
	require.ErrorContains(t, err, "backend unavailable")

	waitFor(t, func() bool { return rig.rt.Snapshot().Status == StatusIdle }, "agent should recover to idle")
}
