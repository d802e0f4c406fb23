// Package agent runs the fleet of subordinate agents: a per-agent FIFO
// runtime that turns inbound mailbox messages into provider turns, parses
// tool calls out of the output, and a manager that owns the fleet and
// routes between its members.
package agent

import (
	"github.com/sengokulabs/shogun/internal/hierarchy"
	"github.com/sengokulabs/shogun/internal/isotime"
)

// maxActivityEntries bounds the per-agent activity log.
const maxActivityEntries = 40

// Status is an agent's coarse state.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Activity is one entry in an agent's activity log.
type Activity struct {
	At     string `json:"at"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Activity kinds.
const (
	actEnqueue     = "enqueue"
	actTurnStart   = "turn_start"
	actTurnDone    = "turn_done"
	actTurnFailed  = "turn_failed"
	actSessionInit = "session_init"
	actWait        = "wait"
	actWaitDone    = "wait_satisfied"
	actAutoReply   = "auto_reply"
	actStop        = "stop"
	actInterrupt   = "interrupt"
)

// Snapshot is an agent's externally visible state.
type Snapshot struct {
	ID             string         `json:"id"`
	Role           hierarchy.Role `json:"role"`
	Status         Status         `json:"status"`
	QueueSize      int            `json:"queueSize"`
	ActiveThreadID string         `json:"activeThreadId,omitempty"`
	UpdatedAt      string         `json:"updatedAt"`
	Activity       string         `json:"activity,omitempty"`
	ActivityLog    []Activity     `json:"activityLog"`
}

// StatusSets partitions the worker fleet by status for the
// getAshigaruStatus tool.
type StatusSets struct {
	Idle []string `json:"idle"`
	Busy []string `json:"busy"`
}

// activityLog is a bounded log of recent activity, newest last. Callers
// synchronize access.
type activityLog struct {
	entries []Activity
}

func (l *activityLog) add(kind, detail string) {
	l.entries = append(l.entries, Activity{At: isotime.Now(), Kind: kind, Detail: detail})
	if len(l.entries) > maxActivityEntries {
		l.entries = l.entries[len(l.entries)-maxActivityEntries:]
	}
}

func (l *activityLog) snapshot() []Activity {
	out := make([]Activity, len(l.entries))
	copy(out, l.entries)
	return out
}
