// Package registry correlates worker-assigned session identifiers with
// internal execution state. An activation registers itself under its
// internal id before the worker reveals its own id; callbacks from the
// worker arrive keyed only by the worker's id and are resolved here.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/worker"
)

// DefaultProbeTimeout bounds how long a pending entry's stream is
// probed for its external id during resolution.
const DefaultProbeTimeout = 2 * time.Second

// Execution is the view of a running activation the registry needs.
type Execution interface {
	SessionID() string
	Stream() worker.Stream
	SetProcessing(active bool)
	Processing() bool
	QueueSize() int
}

// Entry is one registered activation.
type Entry struct {
	InternalID       string
	ExternalID       string
	Execution        Execution
	ProjectID        string
	SourceInstanceID string
}

// Registry holds two pools: pending entries keyed by internal id
// (external id not yet known) and active entries keyed by external id.
type Registry struct {
	sessions     storage.SessionRepository
	probeTimeout time.Duration
	log          logr.Logger

	mu      sync.Mutex
	pending map[string]*Entry
	active  map[string]*Entry

	resolvers []resolver
}

type resolver func(ctx context.Context, externalID string) *Entry

// New creates a Registry. sessions is the persistence fallback used by
// LookupContext when a resolved entry lacks a project id.
func New(sessions storage.SessionRepository, log logr.Logger) *Registry {
	r := &Registry{
		sessions:     sessions,
		probeTimeout: DefaultProbeTimeout,
		log:          log.WithName("registry"),
		pending:      make(map[string]*Entry),
		active:       make(map[string]*Entry),
	}
	// Ordered resolution chain; each tier is independently testable.
	r.resolvers = []resolver{
		r.resolveActive,
		r.probePending,
		r.promoteSinglePending,
	}
	return r
}

// SetProbeTimeout overrides the per-candidate probe bound.
func (r *Registry) SetProbeTimeout(d time.Duration) {
	r.probeTimeout = d
}

// RegisterPending registers an activation under its internal id before
// the worker's own id is known.
func (r *Registry) RegisterPending(internalID string, exec Execution, projectID, sourceInstanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[internalID] = &Entry{
		InternalID:       internalID,
		Execution:        exec,
		ProjectID:        projectID,
		SourceInstanceID: sourceInstanceID,
	}
	r.log.V(1).Info("registered pending execution",
		"internal_id", internalID, "project_id", projectID)
}

// RegisterActive registers an activation under the worker-assigned id.
func (r *Registry) RegisterActive(externalID string, exec Execution, projectID, sourceInstanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[externalID] = &Entry{
		InternalID:       exec.SessionID(),
		ExternalID:       externalID,
		Execution:        exec,
		ProjectID:        projectID,
		SourceInstanceID: sourceInstanceID,
	}
	r.log.V(1).Info("registered active execution",
		"external_id", externalID, "internal_id", exec.SessionID())
}

// Resolve finds the activation for a worker-assigned id, trying each
// tier of the resolution chain in order. It returns nil when no entry
// matches; callers degrade rather than fail.
func (r *Registry) Resolve(ctx context.Context, externalID string) *Entry {
	for _, resolve := range r.resolvers {
		if entry := resolve(ctx, externalID); entry != nil {
			return entry
		}
	}
	r.log.Info("no execution found for external session id", "external_id", externalID)
	return nil
}

// LookupContext returns only the identity context for a
// worker-assigned id, falling back to the persisted session record to
// recover the project id when the live entry lacks one.
func (r *Registry) LookupContext(ctx context.Context, externalID string) (projectID, sourceInstanceID string) {
	entry := r.Resolve(ctx, externalID)
	if entry == nil {
		return "", ""
	}

	projectID = entry.ProjectID
	sourceInstanceID = entry.SourceInstanceID
	if sourceInstanceID == "" {
		sourceInstanceID = entry.InternalID
	}

	if projectID == "" && r.sessions != nil {
		session, err := r.sessions.GetByID(ctx, entry.InternalID)
		if err != nil {
			r.log.V(1).Info("persistence fallback failed",
				"internal_id", entry.InternalID, "error", err.Error())
		} else if session.ProjectID != nil {
			projectID = *session.ProjectID
		}
	}
	return projectID, sourceInstanceID
}

// Unregister removes the activation's entries from both pools.
func (r *Registry) Unregister(internalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, internalID)
	for externalID, entry := range r.active {
		if entry.InternalID == internalID {
			delete(r.active, externalID)
		}
	}
	r.log.V(1).Info("unregistered execution", "internal_id", internalID)
}

// resolveActive is the fast path: exact match in the active pool.
func (r *Registry) resolveActive(_ context.Context, externalID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[externalID]
}

// probePending asks each pending entry's stream for its external id,
// bounded by the probe timeout, and promotes the first match.
func (r *Registry) probePending(ctx context.Context, externalID string) *Entry {
	r.mu.Lock()
	candidates := make([]*Entry, 0, len(r.pending))
	for _, entry := range r.pending {
		candidates = append(candidates, entry)
	}
	r.mu.Unlock()

	for _, entry := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
		id, err := entry.Execution.Stream().WaitSessionID(probeCtx)
		cancel()
		if err != nil || id != externalID {
			continue
		}
		return r.promote(entry, externalID)
	}
	return nil
}

// promoteSinglePending handles callbacks that fire before any output
// has been streamed: probing is pointless because the stream has not
// captured an id yet, but if exactly one pending entry exists it must
// be the one the callback refers to.
func (r *Registry) promoteSinglePending(_ context.Context, externalID string) *Entry {
	r.mu.Lock()
	var only *Entry
	if len(r.pending) == 1 {
		for _, entry := range r.pending {
			only = entry
		}
	}
	r.mu.Unlock()

	if only == nil {
		return nil
	}
	return r.promote(only, externalID)
}

// promote moves a pending entry into the active pool under the
// external id.
func (r *Registry) promote(entry *Entry, externalID string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have promoted it already.
	if existing, ok := r.active[externalID]; ok {
		return existing
	}
	delete(r.pending, entry.InternalID)
	entry.ExternalID = externalID
	r.active[externalID] = entry
	r.log.V(1).Info("promoted pending execution",
		"internal_id", entry.InternalID, "external_id", externalID)
	return entry
}
