// Package provider defines the agent runtime's interface to conversational
// AI backends. A provider owns provider-side threads; the coordinator maps
// each (thread, agent) pair to one provider thread and replays exactly one
// turn per inbound batch.
package provider

import (
	"context"
	"encoding/json"
)

// Thread identifies a provider-side conversation.
type Thread struct {
	ID string
}

// CreateThreadOptions seeds a new provider thread.
type CreateThreadOptions struct {
	// WorkingDir is where provider subprocesses run. Empty means the
	// provider's configured default.
	WorkingDir string

	// InitialInput is the first turn's input, typically the agent's system
	// prompt plus an acknowledgement request.
	InitialInput string
}

// ProgressFunc receives intermediate output while a turn is in flight.
type ProgressFunc func(text string)

// SendRequest is one turn of input for an existing provider thread.
type SendRequest struct {
	ThreadID string
	Input    string

	// OnProgress, when set, is called with intermediate assistant text.
	OnProgress ProgressFunc
}

// SendResult is the final output of one turn.
type SendResult struct {
	// OutputText is the turn's final text, scanned for tool markers by the
	// agent runtime.
	OutputText string

	// Raw is the provider's final event verbatim. Callers never interpret
	// it; it exists for logging and debugging.
	Raw json.RawMessage
}

// Provider is a conversational backend. Implementations must be safe for
// concurrent use: every agent in the fleet shares one instance per role.
type Provider interface {
	// CreateThread starts a provider thread seeded with InitialInput and
	// returns its id. The seed turn's output is discarded.
	CreateThread(ctx context.Context, opts CreateThreadOptions) (Thread, error)

	// ResumeThread attaches to an existing provider thread after a process
	// restart.
	ResumeThread(ctx context.Context, threadID string) (Thread, error)

	// SendMessage runs one turn. It honors ctx cancellation by aborting
	// the in-flight turn.
	SendMessage(ctx context.Context, req SendRequest) (SendResult, error)

	// Cancel aborts the in-flight turn on the given thread, if any.
	Cancel(threadID string) error
}

// Options configures a provider instance. One instance is built per role so
// each role can run a different model.
type Options struct {
	// Model selects the backend model. Empty lets the provider pick.
	Model string

	// SettingsPath is a provider settings file (claude --settings).
	SettingsPath string

	// Env is merged into subprocess environments. Values are expanded
	// against the parent environment, so "${HOME}/x" works.
	Env map[string]string

	// ReasoningEffort is honored by providers whose CLI exposes it.
	ReasoningEffort string

	// AdditionalDirs widens the provider's file access.
	AdditionalDirs []string

	// WorkingDir is the default directory provider subprocesses run in.
	WorkingDir string
}
