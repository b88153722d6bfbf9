// Package status is the single source of truth for session lifecycle
// status. No other component assigns Session.Status directly.
package status

import (
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/broadcast"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/events"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusInitializing Status = "INITIALIZING"
	StatusIdle         Status = "IDLE"
	StatusWorking      Status = "WORKING"
	StatusError        Status = "ERROR"
	StatusInterrupted  Status = "INTERRUPTED"
	StatusDone         Status = "DONE"
	StatusCancelled    Status = "CANCELLED"
)

// validTransitions is the allowed status transition table. Any state
// may move to INTERRUPTED; that exception is handled in CanTransitionTo.
var validTransitions = map[Status][]Status{
	StatusIdle:         {StatusWorking},
	StatusInitializing: {StatusWorking},
	StatusWorking:      {StatusIdle, StatusError},
	StatusError:        {StatusWorking, StatusIdle},
	StatusInterrupted:  {StatusWorking, StatusIdle},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusInterrupted {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Manager serializes status changes per session, persists them and
// broadcasts every change. Persistence and broadcast failures are
// logged and never propagated: a status update that cannot be durably
// recorded must not crash the caller.
type Manager struct {
	sessions storage.SessionRepository
	sink     broadcast.Sink
	log      logr.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(sessions storage.SessionRepository, sink broadcast.Sink, log logr.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		sink:     sink,
		log:      log.WithName("status"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// MarkWorking sets the session to WORKING. A session recovering from
// ERROR has its stored error message cleared so observers stop showing
// a stale error.
func (m *Manager) MarkWorking(ctx context.Context, sessionID string) {
	m.apply(ctx, sessionID, StatusWorking, false, func(session *storage.Session) {
		if Status(session.Status) == StatusError {
			session.ErrorMessage = nil
		}
	})
}

// MarkAfterExecution records the outcome of an activation: ERROR with
// the error text on failure, IDLE with an optional resume token on
// success.
func (m *Manager) MarkAfterExecution(ctx context.Context, sessionID string, execErr error, resumeToken string) {
	if execErr != nil {
		msg := execErr.Error()
		m.apply(ctx, sessionID, StatusError, false, func(session *storage.Session) {
			session.ErrorMessage = &msg
		})
		return
	}
	m.apply(ctx, sessionID, StatusIdle, false, func(session *storage.Session) {
		session.ErrorMessage = nil
		if resumeToken != "" {
			token := resumeToken
			session.WorkerSessionID = &token
		} else {
			m.log.V(1).Info("no resume token to save", "session_id", sessionID)
		}
	})
}

// ResetToIdle forces the session to IDLE regardless of prior state,
// optionally clearing the stored resume token. Used by recovery paths
// and by turn-stopped callbacks when the queue is empty.
func (m *Manager) ResetToIdle(ctx context.Context, sessionID string, clearResumeToken bool) {
	m.apply(ctx, sessionID, StatusIdle, true, func(session *storage.Session) {
		session.ErrorMessage = nil
		if clearResumeToken {
			session.WorkerSessionID = nil
		}
	})
}

// MarkInterrupted forces the session to INTERRUPTED from any state.
func (m *Manager) MarkInterrupted(ctx context.Context, sessionID string) {
	m.apply(ctx, sessionID, StatusInterrupted, true, nil)
}

// apply loads, validates, mutates, persists and broadcasts one status
// change under the session's lock. force bypasses transition
// validation for the documented unconditional paths.
func (m *Manager) apply(ctx context.Context, sessionID string, next Status, force bool, mutate func(*storage.Session)) {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		m.log.Error(err, "session not found for status update",
			"session_id", sessionID, "status", string(next))
		return
	}

	current := Status(session.Status)
	if current == next && mutate == nil {
		return
	}
	if !force && current != next && !current.CanTransitionTo(next) {
		m.log.Info("invalid status transition skipped",
			"session_id", sessionID, "from", string(current), "to", string(next))
		return
	}

	session.Status = string(next)
	if mutate != nil {
		mutate(session)
	}

	if err := m.sessions.Update(ctx, session); err != nil {
		m.log.Error(err, "failed to persist status update",
			"session_id", sessionID, "status", string(next))
		return
	}

	m.sink.Broadcast(sessionID, events.NewStatusEvent(sessionID, string(next)).Marshal())
	m.log.V(1).Info("session status updated",
		"session_id", sessionID, "from", string(current), "to", string(next))
}
