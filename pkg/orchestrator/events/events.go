// Package events defines the application events produced while a
// session streams, plus the buffering that turns incremental worker
// output into block-level units.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/queue"
)

// Type identifies an event on the wire.
type Type string

const (
	TypeUserMessage   Type = "user_message"
	TypeContentBlock  Type = "content_block"
	TypeToolUse       Type = "tool_use"
	TypeTurnComplete  Type = "message_complete"
	TypeSessionStatus Type = "session_status"
	TypeQueueStatus   Type = "queue_status"
)

// Event is a single application event. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type            Type                   `json:"type"`
	SessionID       string                 `json:"session_id"`
	ResponseID      string                 `json:"response_id,omitempty"`
	MessageID       string                 `json:"message_id,omitempty"`
	BlockIndex      int                    `json:"block_index,omitempty"`
	Content         string                 `json:"content,omitempty"`
	AgentID         string                 `json:"agent_id,omitempty"`
	AgentName       string                 `json:"agent_name,omitempty"`
	FromInstanceID  string                 `json:"from_instance_id,omitempty"`
	ToolName        string                 `json:"tool_name,omitempty"`
	ToolInput       map[string]interface{} `json:"tool_input,omitempty"`
	HasMoreMessages bool                   `json:"has_more_messages,omitempty"`
	Status          string                 `json:"status,omitempty"`
	Messages        []queue.Preview        `json:"messages,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
}

// Marshal serializes the event for the broadcast sink.
func (e *Event) Marshal() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		// An event that cannot be serialized must not break streaming.
		return []byte(`{"type":"` + string(e.Type) + `"}`)
	}
	return data
}

// NewStatusEvent builds a session status change event.
func NewStatusEvent(sessionID, status string) *Event {
	return &Event{
		Type:      TypeSessionStatus,
		SessionID: sessionID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueueStatusEvent builds a queue preview event.
func NewQueueStatusEvent(sessionID string, previews []queue.Preview) *Event {
	return &Event{
		Type:      TypeQueueStatus,
		SessionID: sessionID,
		Messages:  previews,
		Timestamp: time.Now().UTC(),
	}
}

var titleCaser = cases.Title(language.English)

// AgentDisplayName derives a human readable name from an agent id,
// e.g. "code-reviewer" becomes "Code Reviewer".
func AgentDisplayName(agentID string) string {
	if agentID == "" {
		return ""
	}
	return titleCaser.String(strings.ReplaceAll(agentID, "-", " "))
}
