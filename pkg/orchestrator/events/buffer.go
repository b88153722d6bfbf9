package events

import (
	"sort"
	"strings"
	"time"
)

// Bufferer accumulates incremental text per content-block index and
// emits one consolidated content event per block at a block boundary.
// Downstream consumers persist and broadcast block-level units, not
// per-token fragments, so buffering trades immediacy for well-formed
// persistable events.
//
// A Bufferer is scoped to a single activation and is not safe for
// concurrent use.
type Bufferer struct {
	sessionID  string
	responseID string
	agentID    string
	agentName  string
	buffers    map[int]*strings.Builder
}

// NewBufferer creates a Bufferer for one activation.
func NewBufferer(sessionID, responseID, agentID, agentName string) *Bufferer {
	return &Bufferer{
		sessionID:  sessionID,
		responseID: responseID,
		agentID:    agentID,
		agentName:  agentName,
		buffers:    make(map[int]*strings.Builder),
	}
}

// BufferDelta appends incremental text to the buffer for a block
// index. Nothing is emitted.
func (b *Bufferer) BufferDelta(blockIndex int, text string) {
	buf, ok := b.buffers[blockIndex]
	if !ok {
		buf = &strings.Builder{}
		b.buffers[blockIndex] = buf
	}
	buf.WriteString(text)
}

// Flush emits the consolidated content event for a block and clears
// its buffer. It returns nil if no buffer exists for the index.
func (b *Bufferer) Flush(blockIndex int) *Event {
	buf, ok := b.buffers[blockIndex]
	if !ok {
		return nil
	}
	delete(b.buffers, blockIndex)
	return &Event{
		Type:       TypeContentBlock,
		SessionID:  b.sessionID,
		ResponseID: b.responseID,
		BlockIndex: blockIndex,
		Content:    buf.String(),
		AgentID:    b.agentID,
		AgentName:  b.agentName,
		Timestamp:  time.Now().UTC(),
	}
}

// FlushAll flushes every remaining buffer in ascending block order.
// Used at activation end as a safety net when a block boundary marker
// never arrived.
func (b *Bufferer) FlushAll() []*Event {
	if len(b.buffers) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(b.buffers))
	for idx := range b.buffers {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	flushed := make([]*Event, 0, len(indexes))
	for _, idx := range indexes {
		if ev := b.Flush(idx); ev != nil {
			flushed = append(flushed, ev)
		}
	}
	return flushed
}
