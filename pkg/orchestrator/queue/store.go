// Package queue holds the per-session FIFO of inputs waiting to be
// streamed to a worker.
package queue

import (
	"context"
	"sync"
	"time"
)

// PreviewLength is the maximum number of payload runes included in a
// queue preview entry.
const PreviewLength = 100

// Item is a single queued input. Items are immutable once created.
type Item struct {
	Payload         string
	SenderName      string
	SenderSessionID string
	SenderAgentID   string
	EnqueuedAt      time.Time
}

// Preview is a truncated view of a queued item, suitable for
// broadcasting queue status without shipping full payloads.
type Preview struct {
	SenderName      string    `json:"sender_name,omitempty"`
	SenderSessionID string    `json:"sender_session_id,omitempty"`
	ContentPreview  string    `json:"content_preview"`
	EnqueuedAt      time.Time `json:"timestamp"`
}

// Store owns one FIFO queue per session. Queues are created lazily on
// first use and never deleted; an empty queue stays around for reuse.
type Store struct {
	mu     sync.Mutex
	queues map[string]*fifo
}

type fifo struct {
	mu     sync.Mutex
	items  []*Item
	notify chan struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{queues: make(map[string]*fifo)}
}

func (s *Store) get(sessionID string) *fifo {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[sessionID]
	if !ok {
		q = &fifo{notify: make(chan struct{}, 1)}
		s.queues[sessionID] = q
	}
	return q
}

// Ensure creates the queue for a session if it does not exist yet.
func (s *Store) Ensure(sessionID string) {
	s.get(sessionID)
}

// Push appends an item and returns the new queue size. It never blocks.
func (s *Store) Push(sessionID string, item *Item) int {
	q := s.get(sessionID)
	q.mu.Lock()
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()
	q.wake()
	return size
}

// Pop removes and returns the oldest item, blocking until one is
// available or the context is done. Consumption order equals enqueue
// order.
func (s *Store) Pop(ctx context.Context, sessionID string) (*Item, error) {
	q := s.get(sessionID)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Size returns the number of items currently queued.
func (s *Store) Size(sessionID string) int {
	q := s.get(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Preview returns up to limit truncated entries in queue order.
func (s *Store) Preview(sessionID string, limit int) []Preview {
	q := s.get(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if limit > 0 && n > limit {
		n = limit
	}
	previews := make([]Preview, 0, n)
	for _, item := range q.items[:n] {
		content := item.Payload
		if runes := []rune(content); len(runes) > PreviewLength {
			content = string(runes[:PreviewLength]) + "..."
		}
		previews = append(previews, Preview{
			SenderName:      item.SenderName,
			SenderSessionID: item.SenderSessionID,
			ContentPreview:  content,
			EnqueuedAt:      item.EnqueuedAt,
		})
	}
	return previews
}

// Drain atomically removes all pending items and returns how many were
// discarded.
func (s *Store) Drain(sessionID string) int {
	q := s.get(sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *fifo) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
