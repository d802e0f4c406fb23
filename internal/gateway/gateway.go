// Package gateway is the boundary adapter between the coordinator core
// and whatever transport fronts it: thread CRUD, king-message
// injection, fleet snapshots, and the stop control. Transports call in;
// events flow out through the pubsub broker. The core never learns what
// the transport is.
package gateway

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sengokulabs/shogun/internal/agent"
	"github.com/sengokulabs/shogun/internal/config"
	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/history"
	"github.com/sengokulabs/shogun/internal/log"
	"github.com/sengokulabs/shogun/internal/mailbox"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/pubsub"
	"github.com/sengokulabs/shogun/internal/state"
)

// DefaultTitle is used when a king submission carries no title.
const DefaultTitle = "message"

// Fleet is the slice of the agent manager the gateway needs.
type Fleet interface {
	AgentIDs() []string
	Snapshots() []agent.Snapshot
	StopAll()
}

// GatewayConfig wires the gateway's collaborators.
type GatewayConfig struct {
	Config  *config.Config
	State   *state.Store
	History *history.Store
	Writer  *mailbox.Writer
	Fleet   Fleet
	Events  pubsub.Publisher
}

// Gateway exposes the coordinator's request surface.
type Gateway struct {
	cfg    *config.Config
	state  *state.Store
	hist   *history.Store
	writer *mailbox.Writer
	fleet  Fleet
	events pubsub.Publisher
	logger zerolog.Logger
}

// New validates the wiring and returns a gateway.
func New(gc GatewayConfig) (*Gateway, error) {
	switch {
	case gc.Config == nil:
		return nil, fmt.Errorf("gateway: config is required")
	case gc.State == nil:
		return nil, fmt.Errorf("gateway: state store is required")
	case gc.History == nil:
		return nil, fmt.Errorf("gateway: history store is required")
	case gc.Writer == nil:
		return nil, fmt.Errorf("gateway: message writer is required")
	case gc.Fleet == nil:
		return nil, fmt.Errorf("gateway: fleet is required")
	case gc.Events == nil:
		return nil, fmt.Errorf("gateway: event publisher is required")
	}
	return &Gateway{
		cfg:    gc.Config,
		state:  gc.State,
		hist:   gc.History,
		writer: gc.Writer,
		fleet:  gc.Fleet,
		events: gc.Events,
		logger: log.WithComponent("gateway"),
	}, nil
}

// Threads lists every thread.
func (g *Gateway) Threads() []state.Thread {
	return g.state.Threads()
}

// CreateThread registers a thread and makes it last-active.
func (g *Gateway) CreateThread(title string) (state.Thread, error) {
	th, err := g.state.CreateThread(title)
	if err != nil {
		return state.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	g.logger.Info().Str("threadId", th.ID).Str("title", th.Title).Msg("thread created")
	g.events.PublishThreads(g.state.Threads())
	return th, nil
}

// SelectThread marks a thread as last-active, the fallback target for
// mailbox files without a thread token.
func (g *Gateway) SelectThread(id string) error {
	if err := g.state.SelectThread(id); err != nil {
		return fmt.Errorf("select thread: %w", err)
	}
	g.events.PublishThreads(g.state.Threads())
	return nil
}

// DeleteThread removes a thread from the state store. Archived history
// on disk is left in place.
func (g *Gateway) DeleteThread(id string) error {
	if err := g.state.DeleteThread(id); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	g.logger.Info().Str("threadId", id).Msg("thread deleted")
	g.events.PublishThreads(g.state.Threads())
	return nil
}

// Messages lists every delivered message of a thread, oldest first.
func (g *Gateway) Messages(threadID string) ([]message.Message, error) {
	msgs, err := g.hist.List(threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// SubmitKingMessage writes a king message into the shogun's pending
// mailbox. Delivery happens asynchronously through the watcher; the
// returned message reports what will be delivered.
func (g *Gateway) SubmitKingMessage(threadID, title, body string) (message.Message, error) {
	if strings.TrimSpace(body) == "" {
		return message.Message{}, fmt.Errorf("submit king message: body is required")
	}
	if _, ok := g.state.Thread(threadID); !ok {
		return message.Message{}, fmt.Errorf("submit king message: unknown thread %s", threadID)
	}
	if title == "" {
		title = DefaultTitle
	}

	msg, path, err := g.writer.Write(hierarchy.Shogun, hierarchy.King, threadID, title, body)
	if err != nil {
		return message.Message{}, fmt.Errorf("submit king message: %w", err)
	}
	g.logger.Info().
		Str("threadId", threadID).
		Str("messageId", msg.ID).
		Str("path", path).
		Msg("king message submitted")
	return msg, nil
}

// FleetSnapshot reports every agent in hierarchy order.
func (g *Gateway) FleetSnapshot() []agent.Snapshot {
	return g.fleet.Snapshots()
}

// StopAll halts the whole fleet, bracketed by stop events so
// subscribers can show the transition.
func (g *Gateway) StopAll() {
	g.events.PublishStop(pubsub.StopRequested)
	g.fleet.StopAll()
	g.events.PublishStop(pubsub.StopCompleted)
}

// UIConfig is the configuration slice a front end needs to render the
// fleet.
type UIConfig struct {
	Provider      string              `json:"provider"`
	AshigaruCount int                 `json:"ashigaruCount"`
	Models        config.ModelsConfig `json:"models"`
	Agents        []string            `json:"agents"`
}

// UIConfig reports the running configuration.
func (g *Gateway) UIConfig() UIConfig {
	return UIConfig{
		Provider:      g.cfg.Provider,
		AshigaruCount: g.cfg.AshigaruCount,
		Models:        g.cfg.Models,
		Agents:        g.fleet.AgentIDs(),
	}
}
