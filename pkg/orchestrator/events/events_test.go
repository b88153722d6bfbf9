package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/queue"
)

func TestMarshalOmitsEmptyFields(t *testing.T) {
	ev := &Event{
		Type:      TypeSessionStatus,
		SessionID: "s1",
		Status:    "IDLE",
		Timestamp: time.Now().UTC(),
	}

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.Marshal(), &decoded))

	assert.Equal(t, "session_status", decoded["type"])
	assert.Equal(t, "IDLE", decoded["status"])
	assert.NotContains(t, decoded, "tool_name")
	assert.NotContains(t, decoded, "content")
	assert.NotContains(t, decoded, "messages")
}

func TestNewQueueStatusEvent(t *testing.T) {
	previews := []queue.Preview{{ContentPreview: "hi"}}
	ev := NewQueueStatusEvent("s1", previews)

	assert.Equal(t, TypeQueueStatus, ev.Type)
	assert.Equal(t, "s1", ev.SessionID)
	assert.Equal(t, previews, ev.Messages)
}

func TestAgentDisplayName(t *testing.T) {
	tests := []struct {
		agentID string
		want    string
	}{
		{"code-reviewer", "Code Reviewer"},
		{"planner", "Planner"},
		{"multi-word-agent-name", "Multi Word Agent Name"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AgentDisplayName(tt.agentID), "agent id %q", tt.agentID)
	}
}
