package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferDeltaAccumulates(t *testing.T) {
	buf := NewBufferer("s1", "r1", "code-reviewer", "Code Reviewer")

	buf.BufferDelta(0, "Hel")
	buf.BufferDelta(0, "lo")

	ev := buf.Flush(0)
	require.NotNil(t, ev)
	assert.Equal(t, TypeContentBlock, ev.Type)
	assert.Equal(t, "Hello", ev.Content)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, "r1", ev.ResponseID)
	assert.Equal(t, 0, ev.BlockIndex)
	assert.Equal(t, "code-reviewer", ev.AgentID)
	assert.Equal(t, "Code Reviewer", ev.AgentName)
}

func TestFlushClearsBuffer(t *testing.T) {
	buf := NewBufferer("s1", "r1", "", "")
	buf.BufferDelta(2, "once")

	require.NotNil(t, buf.Flush(2))
	assert.Nil(t, buf.Flush(2))
}

func TestFlushUnknownIndex(t *testing.T) {
	buf := NewBufferer("s1", "r1", "", "")
	assert.Nil(t, buf.Flush(7))
}

func TestBlocksAreIndependent(t *testing.T) {
	buf := NewBufferer("s1", "r1", "", "")
	buf.BufferDelta(0, "first")
	buf.BufferDelta(1, "second")

	ev := buf.Flush(1)
	require.NotNil(t, ev)
	assert.Equal(t, "second", ev.Content)

	ev = buf.Flush(0)
	require.NotNil(t, ev)
	assert.Equal(t, "first", ev.Content)
}

func TestFlushAllAscendingOrder(t *testing.T) {
	buf := NewBufferer("s1", "r1", "", "")
	buf.BufferDelta(3, "third")
	buf.BufferDelta(0, "zeroth")
	buf.BufferDelta(1, "first")

	flushed := buf.FlushAll()
	require.Len(t, flushed, 3)
	assert.Equal(t, 0, flushed[0].BlockIndex)
	assert.Equal(t, 1, flushed[1].BlockIndex)
	assert.Equal(t, 3, flushed[2].BlockIndex)
	assert.Empty(t, buf.FlushAll())
}
