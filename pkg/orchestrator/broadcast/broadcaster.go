// Package broadcast fans serialized events out to observers keyed by
// session id.
package broadcast

import "sync"

// Sink receives serialized events for a session. Delivery is
// fire-and-forget; the orchestrator assumes no delivery guarantee.
type Sink interface {
	Broadcast(sessionID string, payload []byte)
}

const subscriberBuffer = 100

// Broadcaster is an in-process Sink with per-session subscriber
// channels. Slow subscribers drop events rather than block producers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string][]chan []byte),
	}
}

// Broadcast delivers payload to all subscribers of a session
// (non-blocking).
func (b *Broadcaster) Broadcast(sessionID string, payload []byte) {
	b.mu.RLock()
	subscribers := b.subscribers[sessionID]
	b.mu.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- payload:
		default:
			// Channel full, skip
		}
	}
}

// Subscribe registers an observer for a session's events.
func (b *Broadcaster) Subscribe(sessionID string) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, subscriberBuffer)
	b.subscribers[sessionID] = append(b.subscribers[sessionID], ch)
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(sessionID string, ch <-chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers := b.subscribers[sessionID]
	for i, sub := range subscribers {
		if sub == ch {
			b.subscribers[sessionID] = append(subscribers[:i], subscribers[i+1:]...)
			close(sub)
			break
		}
	}
	if len(b.subscribers[sessionID]) == 0 {
		delete(b.subscribers, sessionID)
	}
}
