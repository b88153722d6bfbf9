// Package a2a adapts an A2A streaming agent to the orchestrator's
// worker stream contract. One A2A agent connection carries many turns;
// the agent assigns a context id on the first turn, which doubles as
// the resume token for later activations.
package a2a

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"trpc.group/trpc-go/trpc-a2a-go/client"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/worker"
)

const outputBuffer = 64

// Stream is one live A2A agent conversation implementing
// worker.Stream.
type Stream struct {
	client    *client.A2AClient
	sessionID string
	agentID   string
	log       logr.Logger

	mu        sync.Mutex
	contextID string
	taskID    string
	streamErr error

	ready     chan struct{}
	readyOnce sync.Once

	out     chan worker.OutputUnit
	outOnce sync.Once
}

func newStream(c *client.A2AClient, sessionID, agentID, resumeToken string, log logr.Logger) *Stream {
	s := &Stream{
		client:    c,
		sessionID: sessionID,
		agentID:   agentID,
		log:       log.WithName("a2a-stream").WithValues("session_id", sessionID),
		ready:     make(chan struct{}),
		out:       make(chan worker.OutputUnit, outputBuffer),
	}
	if resumeToken != "" {
		s.setContextID(resumeToken)
	}
	return s
}

// Query starts the input pump: each input becomes one streaming A2A
// message, and the agent's streamed events are converted onto the
// output channel. The output channel closes when the caller closes
// inputs and the last turn has drained, when ctx is cancelled, or
// when a turn fails; failures are reported by Err.
func (s *Stream) Query(ctx context.Context, inputs <-chan worker.InputUnit) error {
	go func() {
		defer s.closeOut()
		for {
			select {
			case <-ctx.Done():
				return
			case unit, ok := <-inputs:
				if !ok {
					return
				}
				if err := s.sendTurn(ctx, unit); err != nil {
					s.log.Error(err, "a2a turn failed")
					s.setErr(err)
					return
				}
			}
		}
	}()
	return nil
}

// Receive returns the converted output stream.
func (s *Stream) Receive(_ context.Context) (<-chan worker.OutputUnit, error) {
	return s.out, nil
}

// Err returns the turn failure that ended the output stream, or nil
// when the stream closed cleanly.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}

// Interrupt cancels the agent's current task, if one is known.
func (s *Stream) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	taskID := s.taskID
	s.mu.Unlock()
	if taskID == "" {
		return nil
	}
	_, err := s.client.CancelTasks(ctx, protocol.TaskIDParams{ID: taskID})
	return err
}

// SessionID returns the agent-assigned context id, or "" before the
// first turn has revealed it.
func (s *Stream) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextID
}

// WaitSessionID blocks until the context id is known or ctx is done.
func (s *Stream) WaitSessionID(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.SessionID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Stream) setContextID(id string) {
	s.mu.Lock()
	s.contextID = id
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Stream) setTaskID(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	if s.streamErr == nil {
		s.streamErr = err
	}
	s.mu.Unlock()
}

func (s *Stream) closeOut() {
	s.outOnce.Do(func() { close(s.out) })
}

// sendTurn streams one message to the agent and converts its events
// until the agent marks the turn final or closes the event channel.
func (s *Stream) sendTurn(ctx context.Context, unit worker.InputUnit) error {
	message := protocol.Message{
		Kind:      protocol.KindMessage,
		MessageID: protocol.GenerateMessageID(),
		Role:      protocol.MessageRoleUser,
		Parts:     []protocol.Part{protocol.NewTextPart(unit.Text)},
	}
	if contextID := s.SessionID(); contextID != "" {
		message.ContextID = &contextID
	}

	events, err := s.client.StreamMessage(ctx, protocol.SendMessageParams{Message: message})
	if err != nil {
		return err
	}

	blockIndex := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				// Agent closed the turn without a final marker.
				s.emit(ctx, worker.OutputUnit{Type: worker.OutputTurnComplete})
				return nil
			}
			final, err := s.convert(ctx, event, &blockIndex)
			if err != nil {
				return err
			}
			if final {
				return nil
			}
		}
	}
}

// convert maps one A2A streaming event onto output units. It returns
// true when the event marked the turn final.
func (s *Stream) convert(ctx context.Context, event protocol.StreamingMessageEvent, blockIndex *int) (bool, error) {
	switch result := event.Result.(type) {
	case *protocol.TaskStatusUpdateEvent:
		if result.ContextID != "" {
			s.setContextID(result.ContextID)
		}
		if result.TaskID != "" {
			s.setTaskID(result.TaskID)
		}
		if result.Status.Message != nil {
			if err := s.emitMessageParts(ctx, result.Status.Message, blockIndex); err != nil {
				return false, err
			}
		}
		if result.Final {
			if err := s.emit(ctx, worker.OutputUnit{
				Type:      worker.OutputTurnComplete,
				SessionID: s.SessionID(),
			}); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, nil

	case *protocol.Message:
		if result.ContextID != nil && *result.ContextID != "" {
			s.setContextID(*result.ContextID)
		}
		if err := s.emitMessageParts(ctx, result, blockIndex); err != nil {
			return false, err
		}
		if err := s.emit(ctx, worker.OutputUnit{
			Type:      worker.OutputTurnComplete,
			SessionID: s.SessionID(),
		}); err != nil {
			return false, err
		}
		return true, nil

	default:
		// Artifact updates and unknown kinds pass through as system
		// markers so diagnostics can still observe them.
		return false, s.emit(ctx, worker.OutputUnit{Type: worker.OutputSystem})
	}
}

// emitMessageParts turns the text parts of an agent message into one
// content block each.
func (s *Stream) emitMessageParts(ctx context.Context, message *protocol.Message, blockIndex *int) error {
	for _, part := range message.Parts {
		textPart, ok := part.(*protocol.TextPart)
		if !ok || textPart.Text == "" {
			continue
		}
		index := *blockIndex
		*blockIndex++
		units := []worker.OutputUnit{
			{Type: worker.OutputContentStart, BlockIndex: index},
			{Type: worker.OutputContentDelta, BlockIndex: index, Text: textPart.Text},
			{Type: worker.OutputContentStop, BlockIndex: index},
		}
		for _, unit := range units {
			if err := s.emit(ctx, unit); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Stream) emit(ctx context.Context, unit worker.OutputUnit) error {
	select {
	case s.out <- unit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
