package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/sengokulabs/shogun/internal/agent"
	"github.com/sengokulabs/shogun/internal/message"
	"github.com/sengokulabs/shogun/internal/state"
)

const defaultBufferSize = 64

// Broker delivers coordinator events to any number of subscribers.
// Publishing never blocks: a subscriber that stops draining its channel
// loses events rather than stalling the coordinator.
type Broker struct {
	subs       map[chan Event]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default buffer size (64).
func NewBroker() *Broker {
	return NewBrokerWithBuffer(defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom per-subscriber buffer.
func NewBrokerWithBuffer(size int) *Broker {
	return &Broker{
		subs:       make(map[chan Event]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event)
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Already closed
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// PublishThreads announces a changed thread list.
func (b *Broker) PublishThreads(threads []state.Thread) {
	b.publish(Event{Kind: KindThreads, Threads: threads})
}

// PublishMessage announces a message about to be routed.
func (b *Broker) PublishMessage(msg message.Message) {
	b.publish(Event{Kind: KindMessage, Message: &msg})
}

// PublishAgents announces a fleet status change.
func (b *Broker) PublishAgents(agents []agent.Snapshot) {
	b.publish(Event{Kind: KindAgentStatus, Agents: agents})
}

// PublishStop announces a stop-all phase.
func (b *Broker) PublishStop(phase StopPhase) {
	b.publish(Event{Kind: KindStop, Stop: phase})
}

func (b *Broker) publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event.Timestamp = time.Now()

	for sub := range b.subs {
		select {
		case sub <- event:
			// Delivered
		default:
			// Channel full - drop to prevent blocking
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // Already closed
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
