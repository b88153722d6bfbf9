package a2a

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"trpc.group/trpc-go/trpc-a2a-go/client"
	"trpc.group/trpc-go/trpc-a2a-go/protocol"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/worker"
)

func collect(t *testing.T, s *Stream, n int) []worker.OutputUnit {
	t.Helper()
	units := make([]worker.OutputUnit, 0, n)
	for i := 0; i < n; i++ {
		select {
		case unit := <-s.out:
			units = append(units, unit)
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d units emitted", i, n)
		}
	}
	return units
}

func TestConvertStatusUpdateWithText(t *testing.T) {
	s := newStream(nil, "s1", "planner", "", logr.Discard())
	blockIndex := 0

	event := protocol.StreamingMessageEvent{
		Result: &protocol.TaskStatusUpdateEvent{
			ContextID: "ctx-1",
			TaskID:    "task-1",
			Status: protocol.TaskStatus{
				Message: &protocol.Message{
					Parts: []protocol.Part{protocol.NewTextPart("Hello")},
				},
			},
		},
	}

	final, err := s.convert(context.Background(), event, &blockIndex)
	require.NoError(t, err)
	assert.False(t, final)
	assert.Equal(t, "ctx-1", s.SessionID())

	units := collect(t, s, 3)
	assert.Equal(t, worker.OutputContentStart, units[0].Type)
	assert.Equal(t, worker.OutputContentDelta, units[1].Type)
	assert.Equal(t, "Hello", units[1].Text)
	assert.Equal(t, worker.OutputContentStop, units[2].Type)
	assert.Equal(t, 1, blockIndex)
}

func TestConvertFinalStatusEmitsTurnComplete(t *testing.T) {
	s := newStream(nil, "s1", "planner", "", logr.Discard())
	blockIndex := 0

	event := protocol.StreamingMessageEvent{
		Result: &protocol.TaskStatusUpdateEvent{
			ContextID: "ctx-1",
			Final:     true,
		},
	}

	final, err := s.convert(context.Background(), event, &blockIndex)
	require.NoError(t, err)
	assert.True(t, final)

	units := collect(t, s, 1)
	assert.Equal(t, worker.OutputTurnComplete, units[0].Type)
	assert.Equal(t, "ctx-1", units[0].SessionID)
}

func TestConvertFullMessageIsFinal(t *testing.T) {
	s := newStream(nil, "s1", "planner", "", logr.Discard())
	blockIndex := 0
	contextID := "ctx-9"

	event := protocol.StreamingMessageEvent{
		Result: &protocol.Message{
			ContextID: &contextID,
			Parts:     []protocol.Part{protocol.NewTextPart("Done.")},
		},
	}

	final, err := s.convert(context.Background(), event, &blockIndex)
	require.NoError(t, err)
	assert.True(t, final)
	assert.Equal(t, "ctx-9", s.SessionID())

	units := collect(t, s, 4)
	assert.Equal(t, worker.OutputTurnComplete, units[3].Type)
}

func TestMultipleTextPartsGetDistinctBlocks(t *testing.T) {
	s := newStream(nil, "s1", "planner", "", logr.Discard())
	blockIndex := 0

	message := &protocol.Message{
		Parts: []protocol.Part{
			protocol.NewTextPart("first"),
			protocol.NewTextPart("second"),
		},
	}
	require.NoError(t, s.emitMessageParts(context.Background(), message, &blockIndex))

	units := collect(t, s, 6)
	assert.Equal(t, 0, units[0].BlockIndex)
	assert.Equal(t, 1, units[3].BlockIndex)
	assert.Equal(t, "second", units[4].Text)
}

func TestResumeTokenPresetsSessionID(t *testing.T) {
	s := newStream(nil, "s1", "planner", "prior-ctx", logr.Discard())

	assert.Equal(t, "prior-ctx", s.SessionID())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	id, err := s.WaitSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "prior-ctx", id)
}

func TestWaitSessionIDTimesOut(t *testing.T) {
	s := newStream(nil, "s1", "planner", "", logr.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.WaitSessionID(ctx)
	require.Error(t, err)
}

func TestFailedTurnEndsStreamWithError(t *testing.T) {
	// Port 1 refuses connections, so the first turn fails immediately.
	c, err := client.NewA2AClient("http://127.0.0.1:1/")
	require.NoError(t, err)
	s := newStream(c, "s1", "planner", "", logr.Discard())
	require.NoError(t, s.Err())

	inputs := make(chan worker.InputUnit, 1)
	inputs <- worker.InputUnit{Text: "hello"}
	require.NoError(t, s.Query(context.Background(), inputs))

	out, err := s.Receive(context.Background())
	require.NoError(t, err)
	select {
	case _, ok := <-out:
		assert.False(t, ok, "expected the output channel to close without units")
	case <-time.After(2 * time.Second):
		t.Fatal("output channel never closed")
	}
	require.Error(t, s.Err())
}

func TestProviderLifecycle(t *testing.T) {
	p := NewProvider("http://localhost:9000/", logr.Discard())

	_, err := p.Get("s1")
	assert.ErrorIs(t, err, worker.ErrStreamNotFound)

	created, err := p.Create(context.Background(), "s1", "planner", "")
	require.NoError(t, err)

	got, err := p.Get("s1")
	require.NoError(t, err)
	assert.Same(t, created, got)

	p.Remove("s1")
	_, err = p.Get("s1")
	assert.ErrorIs(t, err, worker.ErrStreamNotFound)
}

func TestEndpointJoining(t *testing.T) {
	p := NewProvider("http://localhost:9000/", logr.Discard())
	assert.Equal(t, "http://localhost:9000/agents/planner", p.endpoint("planner"))
	assert.Equal(t, "http://localhost:9000", p.endpoint(""))
}
