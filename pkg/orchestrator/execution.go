// Package orchestrator coordinates long-running interactive sessions:
// at most one activation streams per session at a time, queued inputs
// are delivered in order, and every lifecycle edge is observable.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/broadcast"
	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/events"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/queue"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/worker"
)

// Execution handles one activation lifecycle for a session: stream
// queued inputs to the worker, receive its output stream, and end when
// the worker closes the stream.
type Execution struct {
	sessionID  string
	responseID string
	agentID    string
	agentName  string

	stream   worker.Stream
	queues   *queue.Store
	tx       storage.Tx
	txMu     *sync.Mutex
	sessions storage.SessionRepository
	sink     broadcast.Sink
	log      logr.Logger

	// processing mirrors whether the worker is actively handling a
	// prompt; toggled by the worker's callback hooks.
	processing atomic.Bool

	done     chan struct{}
	doneOnce sync.Once

	onQueueChange func()
}

func newExecution(
	sessionID string,
	stream worker.Stream,
	queues *queue.Store,
	tx storage.Tx,
	txMu *sync.Mutex,
	sessions storage.SessionRepository,
	sink broadcast.Sink,
	agentID string,
	log logr.Logger,
	onQueueChange func(),
) *Execution {
	return &Execution{
		sessionID:     sessionID,
		responseID:    uuid.NewString(),
		agentID:       agentID,
		agentName:     events.AgentDisplayName(agentID),
		stream:        stream,
		queues:        queues,
		tx:            tx,
		txMu:          txMu,
		sessions:      sessions,
		sink:          sink,
		log:           log.WithName("execution").WithValues("session_id", sessionID),
		done:          make(chan struct{}),
		onQueueChange: onQueueChange,
	}
}

// SessionID returns the internal session id.
func (e *Execution) SessionID() string { return e.sessionID }

// Stream returns the worker stream backing this activation.
func (e *Execution) Stream() worker.Stream { return e.stream }

// SetProcessing records whether the worker is actively handling a
// prompt.
func (e *Execution) SetProcessing(active bool) { e.processing.Store(active) }

// Processing reports the worker-activity flag.
func (e *Execution) Processing() bool { return e.processing.Load() }

// QueueSize returns the number of inputs still queued for the session.
func (e *Execution) QueueSize() int { return e.queues.Size(e.sessionID) }

// Run drives the activation: the input side forwards queued items to
// the worker while the output side consumes the worker's stream and
// emits application events on out. Run returns once the worker closes
// its stream and both sides have joined.
func (e *Execution) Run(ctx context.Context, out chan<- *events.Event) error {
	inputs := make(chan worker.InputUnit)
	if err := e.stream.Query(ctx, inputs); err != nil {
		close(inputs)
		return apperrors.New(apperrors.ErrCodeStreamFailed, "failed to start worker query", err)
	}

	recv, err := e.stream.Receive(ctx)
	if err != nil {
		close(inputs)
		return apperrors.New(apperrors.ErrCodeStreamFailed, "failed to open worker output stream", err)
	}

	inputErr := make(chan error, 1)
	go func() {
		inputErr <- e.forwardInputs(ctx, inputs)
	}()

	outErr := e.consumeOutputs(ctx, recv, out)

	// The output stream has ended (or failed): signal completion so
	// the input side stops waiting on the queue, then join it.
	e.signalDone()
	inErr := <-inputErr

	if outErr != nil {
		return outErr
	}
	return inErr
}

// signalDone raises the completion signal.
func (e *Execution) signalDone() {
	e.doneOnce.Do(func() { close(e.done) })
}

// forwardInputs pops from the session queue and forwards each item to
// the worker, in FIFO order. Each item is persisted and broadcast
// before it is forwarded so observed history matches delivery order.
// The loop races queue availability against the completion signal: a
// new item is forwarded with no added latency, and completion preempts
// further waiting.
func (e *Execution) forwardInputs(ctx context.Context, inputs chan<- worker.InputUnit) error {
	defer close(inputs)

	for {
		item, err := e.nextItem(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			// Completion signaled.
			e.log.V(1).Info("input stream ended")
			return nil
		}

		if err := e.recordUserMessage(ctx, item); err != nil {
			return err
		}

		unit := worker.InputUnit{
			Text:            item.Payload,
			SenderName:      item.SenderName,
			SenderSessionID: item.SenderSessionID,
			SenderAgentID:   item.SenderAgentID,
		}
		select {
		case inputs <- unit:
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		if e.onQueueChange != nil {
			e.onQueueChange()
		}
	}
}

// nextItem waits for either the next queue item or the completion
// signal, cancelling the loser. A nil item without error means
// completion won.
func (e *Execution) nextItem(ctx context.Context) (*queue.Item, error) {
	popCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-popCtx.Done():
		}
	}()

	item, err := e.queues.Pop(popCtx, e.sessionID)
	if err != nil {
		select {
		case <-e.done:
			return nil, nil
		default:
		}
		return nil, err
	}
	return item, nil
}

// consumeOutputs routes the worker's output stream: deltas are
// buffered per block, blocks are flushed at their stop marker, and a
// turn-complete marker flushes everything and emits the final turn
// event. Processing continues until the worker closes the stream.
func (e *Execution) consumeOutputs(ctx context.Context, recv <-chan worker.OutputUnit, out chan<- *events.Event) error {
	buf := events.NewBufferer(e.sessionID, e.responseID, e.agentID, e.agentName)
	workerIDSaved := false

	for unit := range recv {
		// Persist the worker's own session id as soon as it is
		// captured so a later resume survives an activation that
		// never completes normally.
		if !workerIDSaved {
			if id := e.stream.SessionID(); id != "" {
				e.saveWorkerSessionID(ctx, id)
				workerIDSaved = true
			}
		}

		switch unit.Type {
		case worker.OutputContentStart, worker.OutputSystem:
			// Markers only; nothing to emit.

		case worker.OutputContentDelta:
			buf.BufferDelta(unit.BlockIndex, unit.Text)

		case worker.OutputContentStop:
			if ev := buf.Flush(unit.BlockIndex); ev != nil {
				if err := emit(ctx, out, ev); err != nil {
					return err
				}
			}

		case worker.OutputToolCall:
			ev := &events.Event{
				Type:       events.TypeToolUse,
				SessionID:  e.sessionID,
				ResponseID: e.responseID,
				AgentID:    e.agentID,
				AgentName:  e.agentName,
				ToolName:   unit.ToolName,
				ToolInput:  unit.ToolInput,
				Timestamp:  time.Now().UTC(),
			}
			if err := emit(ctx, out, ev); err != nil {
				return err
			}

		case worker.OutputTurnComplete:
			for _, ev := range buf.FlushAll() {
				if err := emit(ctx, out, ev); err != nil {
					return err
				}
			}
			hasMore := e.processing.Load() || e.queues.Size(e.sessionID) > 0
			ev := &events.Event{
				Type:            events.TypeTurnComplete,
				SessionID:       e.sessionID,
				ResponseID:      e.responseID,
				AgentID:         e.agentID,
				AgentName:       e.agentName,
				HasMoreMessages: hasMore,
				Timestamp:       time.Now().UTC(),
			}
			if err := emit(ctx, out, ev); err != nil {
				return err
			}
			e.log.V(1).Info("turn complete",
				"queue_size", e.queues.Size(e.sessionID), "has_more", hasMore)
			// Keep consuming until the worker closes the stream.
		}
	}

	// Safety net: a boundary marker may never have arrived for some
	// block.
	for _, ev := range buf.FlushAll() {
		if err := emit(ctx, out, ev); err != nil {
			return err
		}
	}

	// A closed channel means either a clean end of stream or a worker
	// failure; the stream knows which.
	if err := e.stream.Err(); err != nil {
		return apperrors.New(apperrors.ErrCodeStreamFailed, "worker stream failed", err)
	}
	return nil
}

// recordUserMessage persists the queued input under the activation's
// persistence lock and broadcasts the corresponding event before the
// input is forwarded to the worker.
func (e *Execution) recordUserMessage(ctx context.Context, item *queue.Item) error {
	message := &storage.Message{
		ID:        uuid.NewString(),
		SessionID: e.sessionID,
		Role:      "user",
		Content:   item.Payload,
		Location:  "execution",
		CreatedAt: time.Now().UTC(),
	}
	if item.SenderAgentID != "" {
		message.AgentID = &item.SenderAgentID
	}
	if item.SenderName != "" {
		message.AgentName = &item.SenderName
	}
	if item.SenderSessionID != "" {
		message.FromInstanceID = &item.SenderSessionID
	}

	e.txMu.Lock()
	err := e.tx.Messages().Create(ctx, message)
	e.txMu.Unlock()
	if err != nil {
		return apperrors.New(apperrors.ErrCodeStorageFailed, "failed to save user message", err)
	}

	ev := &events.Event{
		Type:           events.TypeUserMessage,
		SessionID:      e.sessionID,
		MessageID:      message.ID,
		Content:        item.Payload,
		AgentID:        item.SenderAgentID,
		AgentName:      item.SenderName,
		FromInstanceID: item.SenderSessionID,
		Timestamp:      message.CreatedAt,
	}
	e.sink.Broadcast(e.sessionID, ev.Marshal())
	return nil
}

// saveWorkerSessionID durably records the worker-assigned session id,
// best effort and independent of the activation outcome.
func (e *Execution) saveWorkerSessionID(ctx context.Context, workerSessionID string) {
	session, err := e.sessions.GetByID(ctx, e.sessionID)
	if err != nil {
		e.log.Error(err, "session not found while saving worker session id")
		return
	}
	token := workerSessionID
	session.WorkerSessionID = &token
	if err := e.sessions.Update(ctx, session); err != nil {
		e.log.Error(err, "failed to save worker session id",
			"worker_session_id", workerSessionID)
		return
	}
	e.log.V(1).Info("worker session id saved", "worker_session_id", workerSessionID)
}

func emit(ctx context.Context, out chan<- *events.Event, ev *events.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
