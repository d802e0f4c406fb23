package gateway

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sengokulabs/shogun/internal/agent"
	"github.com/sengokulabs/shogun/internal/config"
	"github.com/sengokulabs/shogun/internal/history"
	"github.com/sengokulabs/shogun/internal/isotime"
	"github.com/sengokulabs/shogun/internal/mailbox"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/pubsub"
	"github.com/sengokulabs/shogun/internal/state"
)

type fakeFleet struct {
	mu        sync.Mutex
	stopCalls int
}

func (f *fakeFleet) AgentIDs() []string {
	return []string{"shogun", "karou", "ashigaru1", "ashigaru2"}
}

func (f *fakeFleet) Snapshots() []agent.Snapshot {
	return []agent.Snapshot{
		{ID: "shogun", Status: agent.StatusIdle},
		{ID: "karou", Status: agent.StatusBusy},
	}
}

func (f *fakeFleet) StopAll() {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
}

type fakeEvents struct {
	mu      sync.Mutex
	threads [][]state.Thread
	stops   []pubsub.StopPhase
}

func (f *fakeEvents) PublishThreads(threads []state.Thread) {
	f.mu.Lock()
	f.threads = append(f.threads, threads)
	f.mu.Unlock()
}

func (f *fakeEvents) PublishMessage(message.Message) {}

func (f *fakeEvents) PublishAgents([]agent.Snapshot) {}

func (f *fakeEvents) PublishStop(phase pubsub.StopPhase) {
	f.mu.Lock()
	f.stops = append(f.stops, phase)
	f.mu.Unlock()
}

type testEnv struct {
	dir    string
	states *state.Store
	hist   *history.Store
	fleet  *fakeFleet
	events *fakeEvents
	gw     *Gateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	states, err := state.Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.AshigaruCount = 2
	cfg.Models = config.ModelsConfig{Default: "model-x"}

	env := &testEnv{
		dir:    dir,
		states: states,
		hist:   history.NewStore(filepath.Join(dir, "history")),
		fleet:  &fakeFleet{},
		events: &fakeEvents{},
	}

	gw, err := New(GatewayConfig{
		Config:  &cfg,
		State:   states,
		History: env.hist,
		Writer:  mailbox.NewWriter(dir),
		Fleet:   env.fleet,
		Events:  env.events,
	})
	require.NoError(t, err)
	env.gw = gw
	return env
}

func TestGatewayThreadLifecycle(t *testing.T) {
	e := newTestEnv(t)

	th, err := e.gw.CreateThread("research")
	require.NoError(t, err)
	require.NotEmpty(t, th.ID)
	require.Equal(t, "research", th.Title)

	threads := e.gw.Threads()
	require.Len(t, threads, 1)
	require.Equal(t, th.ID, threads[0].ID)
	require.Equal(t, th.ID, e.states.LastActiveThreadID(), "a new thread becomes last-active")

	other, err := e.gw.CreateThread("second")
	require.NoError(t, err)
	require.NoError(t, e.gw.SelectThread(th.ID))
	require.Equal(t, th.ID, e.states.LastActiveThreadID())

	require.NoError(t, e.gw.DeleteThread(other.ID))
	require.Len(t, e.gw.Threads(), 1)
	require.Error(t, e.gw.DeleteThread("no-such-thread"))

	e.events.mu.Lock()
	publishes := len(e.events.threads)
	e.events.mu.Unlock()
	require.Equal(t, 4, publishes, "create, create, select, delete each publish the thread list")
}

func TestGatewaySubmitKingMessage(t *testing.T) {
	e := newTestEnv(t)
	th, err := e.gw.CreateThread("ops")
	require.NoError(t, err)

	msg, err := e.gw.SubmitKingMessage(th.ID, "", "調査して")
	require.NoError(t, err)
	require.Equal(t, "king", msg.From)
	require.Equal(t, "shogun", msg.To)
	require.Equal(t, DefaultTitle, msg.Title)
	require.Equal(t, th.ID, msg.ThreadID)

	files, err := filepath.Glob(filepath.Join(e.dir, mailbox.PendingTier, "shogun", "from", "king", "*.md"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Equal(t, "調査して", string(body))
}

func TestGatewaySubmitKingMessageValidation(t *testing.T) {
	e := newTestEnv(t)
	th, err := e.gw.CreateThread("ops")
	require.NoError(t, err)

	_, err = e.gw.SubmitKingMessage(th.ID, "t", "   ")
	require.ErrorContains(t, err, "body is required")

	_, err = e.gw.SubmitKingMessage("missing-thread", "t", "hello")
	require.ErrorContains(t, err, "unknown thread")
}

func TestGatewayMessagesListsHistory(t *testing.T) {
	e := newTestEnv(t)

	for _, id := range []string{"m1", "m2"} {
		require.NoError(t, e.hist.Append(message.Message{
			ID:        id,
			ThreadID:  "t1",
			From:      "king",
			To:        "shogun",
			Title:     "task",
			Body:      "b-" + id,
			CreatedAt: isotime.Now(),
		}))
	}

	msgs, err := e.gw.Messages("t1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, "m2", msgs[1].ID)

	empty, err := e.gw.Messages("unseen-thread")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestGatewayStopAllBracketsWithEvents(t *testing.T) {
	e := newTestEnv(t)

	e.gw.StopAll()

	e.fleet.mu.Lock()
	stops := e.fleet.stopCalls
	e.fleet.mu.Unlock()
	require.Equal(t, 1, stops)

	e.events.mu.Lock()
	phases := append([]pubsub.StopPhase(nil), e.events.stops...)
	e.events.mu.Unlock()
	require.Equal(t, []pubsub.StopPhase{pubsub.StopRequested, pubsub.StopCompleted}, phases)
}

func TestGatewayUIConfig(t *testing.T) {
	e := newTestEnv(t)

	ui := e.gw.UIConfig()
	require.Equal(t, "claude", ui.Provider)
	require.Equal(t, 2, ui.AshigaruCount)
	require.Equal(t, "model-x", ui.Models.Default)
	require.Equal(t, []string{"shogun", "karou", "ashigaru1", "ashigaru2"}, ui.Agents)
}
