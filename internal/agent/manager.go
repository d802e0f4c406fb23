package agent

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/sengokulabs/shogun/internal/config"
	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/history"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/mailbox"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/paths"
	"github.com/sengokulabs/shogun/internal/provider"
	"github.com/sengokulabs/shogun/internal/state"
	"github.com/sengokulabs/shogun/internal/wait"
)

// ManagerConfig assembles the fleet.
type ManagerConfig struct {
	Config    *config.Config
	Layout    paths.Layout
	Workspace string
	State     *state.Store
	Waits     *wait.Store
	Writer    *mailbox.Writer
	History   *history.Store
	Tracer    trace.Tracer

	// OnStatus receives a full fleet snapshot after any agent's visible
	// state changes.
	OnStatus func([]Snapshot)

	// NewProvider overrides provider construction, for tests. Nil uses
	// the registry.
	NewProvider func(name string, opts provider.Options) (provider.Provider, error)
}

// Manager owns the fleet: shogun, karou, and the configured number of
// ashigaru. It builds one provider per role, wires the cross-agent
// capabilities, and routes inbound messages to the right runtime.
type Manager struct {
	runtimes map[string]*Runtime
	order    []string
	ashigaru []string
	onStatus func([]Snapshot)
	logger   zerolog.Logger
}

// NewManager constructs every runtime in the hierarchy. Scratch
// directories are created here so bodyFile references resolve from the
// first turn.
func NewManager(mc ManagerConfig) (*Manager, error) {
	cfg := mc.Config
	ashigaru := hierarchy.AshigaruIDs(cfg.AshigaruCount)
	order := append([]string{hierarchy.Shogun, hierarchy.Karou}, ashigaru...)

	m := &Manager{
		runtimes: make(map[string]*Runtime, len(order)),
		order:    order,
		ashigaru: ashigaru,
		onStatus: mc.OnStatus,
		logger:   log.WithComponent("agent"),
	}

	newProvider := mc.NewProvider
	if newProvider == nil {
		newProvider = provider.New
	}
	providers := make(map[hierarchy.Role]provider.Provider, 3)
	for _, role := range []hierarchy.Role{hierarchy.RoleShogun, hierarchy.RoleKarou, hierarchy.RoleAshigaru} {
		p, err := newProvider(cfg.Provider, provider.Options{
			Model:           cfg.ModelFor(role),
			SettingsPath:    cfg.ProviderSpecific.Config,
			Env:             cfg.ProviderSpecific.Env,
			ReasoningEffort: cfg.ProviderSpecific.ReasoningEffort,
			AdditionalDirs:  cfg.ProviderSpecific.AdditionalDirectories,
			WorkingDir:      mc.Workspace,
		})
		if err != nil {
			return nil, fmt.Errorf("provider for %s: %w", role, err)
		}
		providers[role] = p
	}

	notify := func() {
		if m.onStatus != nil {
			m.onStatus(m.Snapshots())
		}
	}

	for _, id := range order {
		role, _ := hierarchy.RoleOf(id)
		superior, _ := hierarchy.DefaultSuperior(id)
		recipients := hierarchy.AllowedRecipients(id, ashigaru)

		var subordinates []string
		for _, target := range order {
			if hierarchy.CanInterrupt(id, target, ashigaru) {
				subordinates = append(subordinates, target)
			}
		}

		caps := Capabilities{}
		if len(subordinates) > 0 {
			caps.Interrupt = m.interrupt
		}
		if role == hierarchy.RoleKarou {
			caps.AshigaruStatus = m.AshigaruStatus
		}

		tmpDir := mc.Layout.TmpDir(id)
		if err := os.MkdirAll(tmpDir, 0o755); err != nil {
			return nil, fmt.Errorf("create tmp dir for %s: %w", id, err)
		}

		m.runtimes[id] = NewRuntime(RuntimeConfig{
			ID:           id,
			Role:         role,
			ProviderName: cfg.Provider,
			Provider:     providers[role],
			State:        mc.State,
			Waits:        mc.Waits,
			Writer:       mc.Writer,
			Superior:     superior,
			Recipients:   recipients,
			Subordinates: subordinates,
			SystemPrompt: ComposeSystemPrompt(PromptParams{
				AgentID:      id,
				Role:         role,
				Superior:     superior,
				Recipients:   recipients,
				Subordinates: subordinates,
				Profile:      cfg.ProfileFor(id),
			}),
			TmpDir:   tmpDir,
			Caps:     caps,
			OnStatus: notify,
			Tracer:   mc.Tracer,
		})
	}

	m.logger.Info().
		Int("agents", len(order)).
		Str("provider", cfg.Provider).
		Msg("fleet assembled")
	return m, nil
}

// Runtime returns the runtime for an agent id.
func (m *Manager) Runtime(id string) (*Runtime, bool) {
	rt, ok := m.runtimes[id]
	return rt, ok
}

// AgentIDs lists the fleet in hierarchy order.
func (m *Manager) AgentIDs() []string {
	return append([]string(nil), m.order...)
}

// Deliver routes msg to its recipient's runtime and blocks until the
// message is processed. Messages for ids outside the fleet are dropped
// with a warning; failing them would wedge their mailbox files forever.
func (m *Manager) Deliver(msg message.Message) error {
	rt, ok := m.runtimes[msg.To]
	if !ok {
		m.logger.Warn().
			Str("to", msg.To).
			Str("from", msg.From).
			Str("messageId", msg.ID).
			Msg("message for unknown agent dropped")
		return nil
	}
	return rt.Deliver(msg)
}

// AshigaruStatus partitions the worker fleet by idle/busy.
func (m *Manager) AshigaruStatus() StatusSets {
	sets := StatusSets{Idle: []string{}, Busy: []string{}}
	for _, id := range m.ashigaru {
		if m.runtimes[id].Snapshot().Status == StatusBusy {
			sets.Busy = append(sets.Busy, id)
		} else {
			sets.Idle = append(sets.Idle, id)
		}
	}
	return sets
}

// interrupt is the Capabilities hook behind interruptAgent. Authorization
// happens in the calling runtime; this only resolves the target.
func (m *Manager) interrupt(target string, reason CancelReason) error {
	rt, ok := m.runtimes[target]
	if !ok {
		return fmt.Errorf("unknown agent %s", target)
	}
	rt.Interrupt(reason)
	return nil
}

// Snapshots reports the whole fleet in hierarchy order.
func (m *Manager) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.runtimes[id].Snapshot())
	}
	return out
}

// StopAll cancels every agent's current work and clears their queues.
func (m *Manager) StopAll() {
	m.logger.Info().Msg("stopping all agents")
	for _, id := range m.order {
		m.runtimes[id].Stop()
	}
}

// ResumeAll re-enqueues suspended waits for the whole fleet. Called once
// at boot before the mailbox watcher starts.
func (m *Manager) ResumeAll(hist *history.Store) int {
	resumed := 0
	for _, id := range m.order {
		resumed += m.runtimes[id].ResumePendingWaits(hist)
	}
	if resumed > 0 {
		m.logger.Info().Int("count", resumed).Msg("suspended waits resumed")
	}
	return resumed
}
