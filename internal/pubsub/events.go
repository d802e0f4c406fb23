// Package pubsub fans coordinator events out to boundary subscribers.
package pubsub

import (
	"context"
	"time"

	"github.com/sengokulabs/shogun/internal/agent"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/state"
)

// Kind identifies what an event carries.
type Kind string

const (
	// KindThreads is published when the thread list changes (create, select,
	// delete, or an unknown thread materialized by an inbound message).
	KindThreads Kind = "threads"
	// KindMessage is published when a mailbox file has been parsed and is
	// about to be routed.
	KindMessage Kind = "message"
	// KindAgentStatus is published when any agent changes status, queue
	// size, or activity.
	KindAgentStatus Kind = "agent_status"
	// KindStop is published when a stop-all is requested and again when it
	// completes.
	KindStop Kind = "stop"
)

// StopPhase distinguishes the two stop events.
type StopPhase string

const (
	StopRequested StopPhase = "requested"
	StopCompleted StopPhase = "completed"
)

// Event is the union of everything the coordinator announces. Exactly the
// fields for its Kind are set.
type Event struct {
	Kind      Kind             `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	Threads   []state.Thread   `json:"threads,omitempty"`
	Message   *message.Message `json:"message,omitempty"`
	Agents    []agent.Snapshot `json:"agents,omitempty"`
	Stop      StopPhase        `json:"stop,omitempty"`
}

// Subscriber provides a subscription channel for events.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan Event
}

// Publisher publishes coordinator events.
type Publisher interface {
	PublishThreads(threads []state.Thread)
	PublishMessage(msg message.Message)
	PublishAgents(agents []agent.Snapshot)
	PublishStop(phase StopPhase)
}
