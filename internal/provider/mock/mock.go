// Package mock provides a scripted provider for tests. Outputs are queued
// per thread (or globally) and returned in FIFO order; every input is
// recorded for assertions.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/sengokulabs/shogun/internal/provider"
)

// Name is the registry name of this provider.
const Name = "mock"

func init() {
	provider.Register(Name, func(provider.Options) (provider.Provider, error) {
		return New(), nil
	})
}

// Turn records one SendMessage or CreateThread input.
type Turn struct {
	ThreadID string
	Input    string
	Seed     bool // true for the CreateThread seed turn
}

// Provider is a scripted provider.Provider implementation.
type Provider struct {
	mu       sync.Mutex
	nextID   int
	scripts  map[string][]string // thread id -> queued outputs
	global   []string            // fallback outputs for any thread
	inputs   []Turn
	created  []string
	resumed  []string
	gates    map[string]chan struct{}
	canceled map[string]int
	nextErr  error
}

// New creates an empty mock provider.
func New() *Provider {
	return &Provider{
		scripts:  make(map[string][]string),
		gates:    make(map[string]chan struct{}),
		canceled: make(map[string]int),
	}
}

// Script queues outputs for a specific provider thread id.
func (p *Provider) Script(threadID string, outputs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scripts[threadID] = append(p.scripts[threadID], outputs...)
}

// ScriptNext queues outputs consumed by any thread without its own script.
func (p *Provider) ScriptNext(outputs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.global = append(p.global, outputs...)
}

// FailNext makes the next SendMessage return err.
func (p *Provider) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextErr = err
}

// Block makes SendMessage calls for threadID hang until the returned
// release function is called (or their context is cancelled).
func (p *Provider) Block(threadID string) (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gates[threadID] = gate
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			p.mu.Lock()
			delete(p.gates, threadID)
			p.mu.Unlock()
		})
	}
}

// Inputs returns every recorded turn in order.
func (p *Provider) Inputs() []Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Turn, len(p.inputs))
	copy(out, p.inputs)
	return out
}

// InputsFor returns the recorded non-seed inputs for one thread.
func (p *Provider) InputsFor(threadID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, turn := range p.inputs {
		if turn.ThreadID == threadID && !turn.Seed {
			out = append(out, turn.Input)
		}
	}
	return out
}

// Created returns the provider thread ids created so far.
func (p *Provider) Created() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.created))
	copy(out, p.created)
	return out
}

// Resumed returns the thread ids passed to ResumeThread.
func (p *Provider) Resumed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.resumed))
	copy(out, p.resumed)
	return out
}

// CancelCount returns how many times Cancel was called for a thread.
func (p *Provider) CancelCount(threadID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled[threadID]
}

// CreateThread assigns a fresh thread id and records the seed input.
func (p *Provider) CreateThread(_ context.Context, opts provider.CreateThreadOptions) (provider.Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("mock-thread-%d", p.nextID)
	p.created = append(p.created, id)
	p.inputs = append(p.inputs, Turn{ThreadID: id, Input: opts.InitialInput, Seed: true})
	return provider.Thread{ID: id}, nil
}

// ResumeThread records the attach and succeeds.
func (p *Provider) ResumeThread(_ context.Context, threadID string) (provider.Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, threadID)
	return provider.Thread{ID: threadID}, nil
}

// SendMessage records the input and pops the next scripted output. Threads
// without a script fall back to the global queue, then to empty output.
func (p *Provider) SendMessage(ctx context.Context, req provider.SendRequest) (provider.SendResult, error) {
	p.mu.Lock()
	p.inputs = append(p.inputs, Turn{ThreadID: req.ThreadID, Input: req.Input})
	gate := p.gates[req.ThreadID]
	err := p.nextErr
	p.nextErr = nil
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return provider.SendResult{}, ctx.Err()
		}
	}
	if err != nil {
		return provider.SendResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var out string
	if queue := p.scripts[req.ThreadID]; len(queue) > 0 {
		out = queue[0]
		p.scripts[req.ThreadID] = queue[1:]
	} else if len(p.global) > 0 {
		out = p.global[0]
		p.global = p.global[1:]
	}
	return provider.SendResult{OutputText: out}, nil
}

// Cancel records the call. In-flight turns are aborted by their context.
func (p *Provider) Cancel(threadID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled[threadID]++
	return nil
}

// Ensure Provider implements provider.Provider at compile time.
var _ provider.Provider = (*Provider)(nil)
