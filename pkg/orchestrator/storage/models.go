// Package storage persists sessions, messages and projects behind
// repository interfaces backed by GORM.
package storage

import "time"

// Session is the persisted session record. Status is mutated only
// through the status manager.
type Session struct {
	ID              string  `gorm:"primaryKey;size:36" json:"id"`
	ProjectID       *string `gorm:"size:36;index" json:"project_id,omitempty"`
	AgentID         *string `gorm:"size:128" json:"agent_id,omitempty"`
	Status          string  `gorm:"size:32" json:"status"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	WorkerSessionID *string `gorm:"size:128" json:"worker_session_id,omitempty"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Message is one persisted conversation message with sender
// attribution.
type Message struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	SessionID      string  `gorm:"size:36;index" json:"session_id"`
	Role           string  `gorm:"size:16" json:"role"`
	Content        string  `json:"content"`
	AgentID        *string `gorm:"size:128" json:"agent_id,omitempty"`
	AgentName      *string `gorm:"size:128" json:"agent_name,omitempty"`
	FromInstanceID *string `gorm:"size:36" json:"from_instance_id,omitempty"`
	Location       string  `gorm:"size:32" json:"location,omitempty"`
	CreatedAt      time.Time
}

// Project groups sessions under a working directory.
type Project struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	Name      string `gorm:"size:128" json:"name"`
	Path      string `json:"path"`
	CreatedAt time.Time
}
