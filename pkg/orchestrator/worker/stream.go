// Package worker defines the contract to the external interactive
// worker: an opaque bidirectional message stream that assigns its own
// session identifier some time after streaming begins.
package worker

import (
	"context"
	"errors"
)

// ErrStreamNotFound is returned by a Provider when no live stream
// exists for a session.
var ErrStreamNotFound = errors.New("worker stream not found")

// InputUnit is one input forwarded to the worker.
type InputUnit struct {
	Text            string
	SenderName      string
	SenderSessionID string
	SenderAgentID   string
}

// OutputType tags a unit of worker output.
type OutputType string

const (
	OutputContentStart OutputType = "content_start"
	OutputContentDelta OutputType = "content_delta"
	OutputContentStop  OutputType = "content_stop"
	OutputToolCall     OutputType = "tool_call"
	OutputTurnComplete OutputType = "turn_complete"
	OutputSystem       OutputType = "system"
)

// OutputUnit is one unit of streamed worker output. Content arrives
// incrementally: a start marker, text deltas, then a stop marker per
// block index.
type OutputUnit struct {
	Type       OutputType
	BlockIndex int
	Text       string
	ToolName   string
	ToolInput  map[string]interface{}
	// SessionID carries the worker's own session id on units that
	// expose it (typically the first system unit of a stream).
	SessionID string
}

// Stream is one live connection to an external worker.
type Stream interface {
	// Query starts consuming inputs and returns immediately. The
	// caller closes inputs when no more will be sent.
	Query(ctx context.Context, inputs <-chan InputUnit) error

	// Receive returns the worker's output stream. The channel is
	// closed when the worker ends the stream, the stream is
	// interrupted, or ctx is cancelled.
	Receive(ctx context.Context) (<-chan OutputUnit, error)

	// Err reports why the output stream ended. It returns nil for a
	// clean close (worker finished, interrupt, cancellation) and the
	// stream failure otherwise. Only meaningful after the Receive
	// channel is closed.
	Err() error

	// Interrupt asks the worker to stop producing output.
	Interrupt(ctx context.Context) error

	// SessionID returns the worker-assigned session id without
	// blocking, or "" if it has not been captured yet.
	SessionID() string

	// WaitSessionID blocks until the worker-assigned session id is
	// known or ctx is done.
	WaitSessionID(ctx context.Context) (string, error)
}

// Provider hands out streams per internal session id.
type Provider interface {
	// Get returns the live stream for a session, or ErrStreamNotFound.
	Get(sessionID string) (Stream, error)

	// Create builds a new stream for a session. A non-empty
	// resumeToken resumes the worker's own prior session.
	Create(ctx context.Context, sessionID, agentID, resumeToken string) (Stream, error)

	// Remove forgets the live stream for a session. The next
	// activation creates a fresh one.
	Remove(sessionID string)
}
