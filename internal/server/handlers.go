package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator"
	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/queue"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/status"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
)

type createSessionRequest struct {
	ProjectID string `json:"project_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

type enqueueRequest struct {
	Content         string `json:"content"`
	AgentID         string `json:"agent_id,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	SenderSessionID string `json:"sender_session_id,omitempty"`
	SenderAgentID   string `json:"sender_agent_id,omitempty"`
}

type hookRequest struct {
	SessionID string `json:"session_id"`
}

type preToolUseRequest struct {
	SessionID string                 `json:"session_id"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

type sessionStateResponse struct {
	SessionID   string          `json:"session_id"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Processing  bool            `json:"processing"`
	QueueSize   int             `json:"queue_size"`
	Queue       []queue.Preview `json:"queue"`
	ResumeToken string          `json:"resume_token,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}

	session := &storage.Session{
		ID:        uuid.NewString(),
		Status:    string(status.StatusInitializing),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if req.ProjectID != "" {
		session.ProjectID = &req.ProjectID
	}
	if req.AgentID != "" {
		session.AgentID = &req.AgentID
	}

	if err := s.storage.Sessions().Create(r.Context(), session); err != nil {
		s.writeError(w, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to create session", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}

	size, err := s.orch.Enqueue(r.Context(), orchestrator.EnqueueRequest{
		SessionID:       sessionID,
		Content:         req.Content,
		AgentID:         req.AgentID,
		SenderName:      req.SenderName,
		SenderSessionID: req.SenderSessionID,
		SenderAgentID:   req.SenderAgentID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"session_id": sessionID,
		"queue_size": size,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	messages, err := s.storage.Messages().ListBySession(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to list messages", err))
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := s.orch.Interrupt(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     string(status.StatusInterrupted),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := s.storage.Sessions().GetByID(r.Context(), sessionID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.writeError(w, apperrors.New(apperrors.ErrCodeSessionNotFound, "session does not exist", err))
			return
		}
		s.writeError(w, apperrors.New(apperrors.ErrCodeStorageFailed, "failed to load session", err))
		return
	}

	resp := sessionStateResponse{
		SessionID:  sessionID,
		Status:     session.Status,
		Processing: s.orch.IsProcessing(sessionID),
		QueueSize:  s.orch.QueueSize(sessionID),
		Queue:      s.orch.QueuePreview(sessionID),
	}
	if session.ErrorMessage != nil {
		resp.Error = *session.ErrorMessage
	}
	if session.WorkerSessionID != nil {
		resp.ResumeToken = *session.WorkerSessionID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// keepAliveInterval is how often an idle SSE stream gets a comment
// line so intermediaries do not drop the connection during long agent
// turns.
const keepAliveInterval = 30 * time.Second

// handleEvents streams the session's events over SSE until the client
// disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.broadcaster.Subscribe(sessionID)
	defer s.broadcaster.Unsubscribe(sessionID, events)
	s.log.V(1).Info("event stream opened", "session_id", sessionID)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.log.V(1).Info("event stream closed", "session_id", sessionID)
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case payload, ok := <-events:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
			ticker.Reset(keepAliveInterval)
		}
	}
}

func (s *Server) handlePromptSubmitted(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "session_id is required", err))
		return
	}
	s.hooks.OnPromptSubmitted(r.Context(), req.SessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleTurnStopped(w http.ResponseWriter, r *http.Request) {
	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "session_id is required", err))
		return
	}
	s.hooks.OnTurnStopped(r.Context(), req.SessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handlePreToolUse(w http.ResponseWriter, r *http.Request) {
	var req preToolUseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		s.writeError(w, apperrors.New(apperrors.ErrCodeInvalidInput, "session_id is required", err))
		return
	}
	enriched := s.hooks.InjectContext(r.Context(), req.SessionID, req.ToolInput)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tool_name":  req.ToolName,
		"tool_input": enriched,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error(err, "failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	errorCode := apperrors.ErrCodeExecutionFailed

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		errorCode = appErr.Code
		switch appErr.Code {
		case apperrors.ErrCodeSessionNotFound:
			code = http.StatusNotFound
		case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeConfigInvalid:
			code = http.StatusBadRequest
		case apperrors.ErrCodeInterruptFailed:
			code = http.StatusConflict
		}
	}

	s.log.V(1).Info("request failed", "code", errorCode, "error", err.Error())
	s.writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"code":  errorCode,
	})
}
