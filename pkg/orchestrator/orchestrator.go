package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/broadcast"
	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/events"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/metrics"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/queue"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/registry"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/status"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/worker"
)

// interruptJoinTimeout bounds how long an interrupt waits for the
// activation to wind down after cancellation.
const interruptJoinTimeout = 10 * time.Second

// queuePreviewLimit caps how many entries a queue status broadcast
// carries.
const queuePreviewLimit = 10

// Options carries the orchestrator's collaborators.
type Options struct {
	Queues   *queue.Store
	Provider worker.Provider
	Sink     broadcast.Sink
	Status   *status.Manager
	Registry *registry.Registry
	Storage  storage.Factory
	Metrics  *metrics.Metrics
	Log      logr.Logger
}

// EnqueueRequest is one input submitted to a session.
type EnqueueRequest struct {
	SessionID       string
	Content         string
	AgentID         string
	SenderName      string
	SenderSessionID string
	SenderAgentID   string
}

// activation tracks one running session activation.
type activation struct {
	exec   *Execution
	cancel context.CancelFunc
	done   chan struct{}

	// interrupted marks a cancellation triggered by Interrupt, which
	// owns the final status update itself.
	interrupted atomic.Bool
}

// Orchestrator accepts inputs, guarantees at most one activation per
// session, and tears activations down on interrupt or shutdown.
type Orchestrator struct {
	queues   *queue.Store
	provider worker.Provider
	sink     broadcast.Sink
	status   *status.Manager
	registry *registry.Registry
	storage  storage.Factory
	metrics  *metrics.Metrics
	log      logr.Logger

	mu          sync.Mutex
	activations map[string]*activation
	locks       map[string]*sync.Mutex
	wg          sync.WaitGroup
	closed      bool
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		queues:      opts.Queues,
		provider:    opts.Provider,
		sink:        opts.Sink,
		status:      opts.Status,
		registry:    opts.Registry,
		storage:     opts.Storage,
		metrics:     opts.Metrics,
		log:         opts.Log.WithName("orchestrator"),
		activations: make(map[string]*activation),
		locks:       make(map[string]*sync.Mutex),
	}
}

// Enqueue appends an input to the session's queue and starts an
// activation if none is running. Returns the queue size after the push.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (int, error) {
	if req.SessionID == "" || req.Content == "" {
		return 0, apperrors.New(apperrors.ErrCodeInvalidInput, "session id and content are required", nil)
	}

	session, err := o.storage.Sessions().GetByID(ctx, req.SessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			return 0, apperrors.New(apperrors.ErrCodeSessionNotFound, "session does not exist", err)
		}
		return 0, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to load session", err)
	}

	agentID := req.AgentID
	if agentID == "" && session.AgentID != nil {
		agentID = *session.AgentID
	}

	size := o.queues.Push(req.SessionID, &queue.Item{
		Payload:         req.Content,
		SenderName:      req.SenderName,
		SenderSessionID: req.SenderSessionID,
		SenderAgentID:   req.SenderAgentID,
		EnqueuedAt:      time.Now().UTC(),
	})
	if o.metrics != nil {
		o.metrics.QueueDepth.WithLabelValues(req.SessionID).Set(float64(size))
	}
	o.broadcastQueueStatus(req.SessionID)
	o.log.V(1).Info("input enqueued", "session_id", req.SessionID, "queue_size", size)

	if err := o.triggerIfNeeded(ctx, session, agentID); err != nil {
		return size, err
	}
	return size, nil
}

// triggerIfNeeded starts an activation unless one is already running
// for the session. The check and the start are serialized per session,
// so concurrent enqueues never race into a second activation while a
// slow stream creation for one session leaves the others unaffected.
func (o *Orchestrator) triggerIfNeeded(ctx context.Context, session *storage.Session, agentID string) error {
	lock := o.activationLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	closed := o.closed
	_, running := o.activations[session.ID]
	o.mu.Unlock()
	if closed {
		return apperrors.New(apperrors.ErrCodeEnqueueFailed, "orchestrator is shut down", nil)
	}
	if running {
		return nil
	}

	resumeToken := ""
	if session.WorkerSessionID != nil {
		resumeToken = *session.WorkerSessionID
	}

	stream, err := o.provider.Create(ctx, session.ID, agentID, resumeToken)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStreamFailed, "failed to create worker stream", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	act := &activation{cancel: cancel, done: make(chan struct{})}

	projectID := ""
	if session.ProjectID != nil {
		projectID = *session.ProjectID
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		o.provider.Remove(session.ID)
		return apperrors.New(apperrors.ErrCodeEnqueueFailed, "orchestrator is shut down", nil)
	}
	o.activations[session.ID] = act
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer close(act.done)
		o.runActivation(runCtx, act, session.ID, stream, agentID, projectID)
	}()
	return nil
}

// activationLock returns the lock serializing check-then-start for one
// session. Like queues, locks are created lazily and never deleted.
func (o *Orchestrator) activationLock(sessionID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[sessionID] = lock
	}
	return lock
}

// runActivation drives one activation end to end: open the
// transaction, run the execution, record the outcome and clean up.
func (o *Orchestrator) runActivation(ctx context.Context, act *activation, sessionID string, stream worker.Stream, agentID, projectID string) {
	log := o.log.WithValues("session_id", sessionID)
	if o.metrics != nil {
		o.metrics.ActivationsStarted.Inc()
	}

	tx, err := o.storage.Begin(ctx)
	if err != nil {
		log.Error(err, "failed to open activation transaction")
		o.provider.Remove(sessionID)
		o.finishActivation(act, sessionID, err, "")
		return
	}

	var txMu sync.Mutex
	exec := newExecution(
		sessionID, stream, o.queues, tx, &txMu,
		o.storage.Sessions(), o.sink, agentID, o.log,
		func() { o.broadcastQueueStatus(sessionID) },
	)
	act.exec = exec

	o.registry.RegisterPending(sessionID, exec, projectID, sessionID)
	o.status.MarkWorking(ctx, sessionID)

	out := make(chan *events.Event, 64)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		o.pumpEvents(context.Background(), sessionID, tx, &txMu, out)
	}()

	runErr := exec.Run(ctx, out)
	close(out)
	<-pumpDone

	if runErr != nil {
		if err := tx.Rollback(); err != nil {
			log.Error(err, "rollback failed after activation error")
		}
	} else if err := tx.Commit(); err != nil {
		log.Error(err, "failed to commit activation transaction")
		runErr = err
	}

	o.registry.Unregister(sessionID)
	o.provider.Remove(sessionID)
	o.finishActivation(act, sessionID, runErr, stream.SessionID())
	log.V(1).Info("activation finished", "error", runErr != nil)
}

// finishActivation drops the activation entry and records the outcome.
// A cancellation issued by Interrupt defers the status update to the
// interrupt path; everything else goes through the status manager here.
func (o *Orchestrator) finishActivation(act *activation, sessionID string, runErr error, resumeToken string) {
	o.mu.Lock()
	delete(o.activations, sessionID)
	o.mu.Unlock()

	// Status updates must survive request-context cancellation.
	ctx := context.Background()
	switch {
	case runErr == nil:
		if o.metrics != nil {
			o.metrics.ActivationsCompleted.Inc()
		}
		o.status.MarkAfterExecution(ctx, sessionID, nil, resumeToken)
	case errors.Is(runErr, context.Canceled):
		if !act.interrupted.Load() {
			// Cancelled by shutdown, not by an interrupt: reset the
			// status so the session is not persisted WORKING across a
			// restart. The resume token is kept.
			o.status.ResetToIdle(ctx, sessionID, false)
		}
	default:
		if o.metrics != nil {
			o.metrics.ActivationsFailed.Inc()
		}
		o.status.MarkAfterExecution(ctx, sessionID, runErr, "")
	}
}

// pumpEvents persists and broadcasts the execution's output events.
// Assistant content and tool calls become durable messages inside the
// activation transaction; everything is broadcast regardless.
func (o *Orchestrator) pumpEvents(ctx context.Context, sessionID string, tx storage.Tx, txMu *sync.Mutex, out <-chan *events.Event) {
	for ev := range out {
		switch ev.Type {
		case events.TypeContentBlock:
			o.persistAssistantMessage(ctx, tx, txMu, ev, ev.Content)
		case events.TypeToolUse:
			o.persistAssistantMessage(ctx, tx, txMu, ev, "[tool: "+ev.ToolName+"]")
		}
		o.sink.Broadcast(sessionID, ev.Marshal())
		if o.metrics != nil {
			o.metrics.EventsBroadcast.Inc()
		}
	}
}

func (o *Orchestrator) persistAssistantMessage(ctx context.Context, tx storage.Tx, txMu *sync.Mutex, ev *events.Event, content string) {
	message := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: ev.SessionID,
		Role:      "assistant",
		Content:   content,
		Location:  "execution",
		CreatedAt: ev.Timestamp,
	}
	if ev.AgentID != "" {
		agentID := ev.AgentID
		message.AgentID = &agentID
	}
	if ev.AgentName != "" {
		agentName := ev.AgentName
		message.AgentName = &agentName
	}

	txMu.Lock()
	err := tx.Messages().Create(ctx, message)
	txMu.Unlock()
	if err != nil {
		o.log.Error(err, "failed to save assistant message", "session_id", ev.SessionID)
	}
}

// Interrupt stops the session's activation: pending inputs are
// discarded, the worker stream is interrupted and removed, and the
// session is marked INTERRUPTED. Interrupting a session with no
// running activation drains its queue and resets the status, clearing
// anything stale a dead activation left behind.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) error {
	drained := o.queues.Drain(sessionID)
	if o.metrics != nil {
		o.metrics.QueueDepth.WithLabelValues(sessionID).Set(0)
		o.metrics.Interrupts.Inc()
	}
	o.broadcastQueueStatus(sessionID)
	o.log.Info("interrupt requested", "session_id", sessionID, "drained", drained)

	o.mu.Lock()
	act := o.activations[sessionID]
	o.mu.Unlock()
	if act == nil {
		o.status.ResetToIdle(context.Background(), sessionID, false)
		return nil
	}
	act.interrupted.Store(true)

	if act.exec != nil {
		if err := act.exec.Stream().Interrupt(ctx); err != nil {
			o.log.Error(err, "worker interrupt failed", "session_id", sessionID)
		}
	}

	// Cancel outside the orchestrator lock, then wait for the
	// activation goroutine to finish its cleanup.
	act.cancel()
	select {
	case <-act.done:
	case <-time.After(interruptJoinTimeout):
		return apperrors.New(apperrors.ErrCodeInterruptFailed, "activation did not stop in time", nil)
	case <-ctx.Done():
		return ctx.Err()
	}

	o.provider.Remove(sessionID)
	o.status.MarkInterrupted(context.Background(), sessionID)
	return nil
}

// IsProcessing reports whether the session has a running activation.
// An activation counts from registration until it finishes, whether or
// not the worker has signalled prompt activity yet.
func (o *Orchestrator) IsProcessing(sessionID string) bool {
	o.mu.Lock()
	act := o.activations[sessionID]
	o.mu.Unlock()
	return act != nil
}

// QueueSize returns the number of inputs queued for the session.
func (o *Orchestrator) QueueSize(sessionID string) int {
	return o.queues.Size(sessionID)
}

// QueuePreview returns truncated previews of the session's queued
// inputs.
func (o *Orchestrator) QueuePreview(sessionID string) []queue.Preview {
	return o.queues.Preview(sessionID, queuePreviewLimit)
}

// ResumeToken returns the worker session id for a session: the live
// stream's id when an activation is running, otherwise the persisted
// one. Returns "" when none has been captured.
func (o *Orchestrator) ResumeToken(ctx context.Context, sessionID string) (string, error) {
	o.mu.Lock()
	act := o.activations[sessionID]
	o.mu.Unlock()
	if act != nil && act.exec != nil {
		if id := act.exec.Stream().SessionID(); id != "" {
			return id, nil
		}
	}

	session, err := o.storage.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", apperrors.New(apperrors.ErrCodeSessionNotFound, "session does not exist", err)
		}
		return "", apperrors.New(apperrors.ErrCodeStorageFailed, "failed to load session", err)
	}
	if session.WorkerSessionID == nil {
		return "", nil
	}
	return *session.WorkerSessionID, nil
}

// broadcastQueueStatus publishes the current queue preview for a
// session.
func (o *Orchestrator) broadcastQueueStatus(sessionID string) {
	previews := o.queues.Preview(sessionID, queuePreviewLimit)
	o.sink.Broadcast(sessionID, events.NewQueueStatusEvent(sessionID, previews).Marshal())
	if o.metrics != nil {
		o.metrics.QueueDepth.WithLabelValues(sessionID).Set(float64(o.queues.Size(sessionID)))
	}
}

// Close stops all running activations and waits for them to finish.
// Further enqueues are rejected.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	running := make([]*activation, 0, len(o.activations))
	for _, act := range o.activations {
		running = append(running, act)
	}
	o.mu.Unlock()

	var result *multierror.Error
	for _, act := range running {
		act.cancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, apperrors.New(
			apperrors.ErrCodeExecutionFailed, "activations did not stop before shutdown deadline", ctx.Err()))
	}
	return result.ErrorOrNil()
}
