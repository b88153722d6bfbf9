package orchestrator

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/registry"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/status"
)

// Hooks handles callbacks fired by the worker runtime itself. Callbacks
// are keyed by the worker-assigned session id and resolved through the
// registry; a callback that cannot be matched to a running activation
// is logged and dropped.
type Hooks struct {
	registry *registry.Registry
	status   *status.Manager
	log      logr.Logger
}

// NewHooks creates a Hooks handler.
func NewHooks(reg *registry.Registry, st *status.Manager, log logr.Logger) *Hooks {
	return &Hooks{
		registry: reg,
		status:   st,
		log:      log.WithName("hooks"),
	}
}

// OnPromptSubmitted marks the resolved session as actively processing.
// The worker fires this when it begins handling a prompt.
func (h *Hooks) OnPromptSubmitted(ctx context.Context, externalID string) {
	entry := h.registry.Resolve(ctx, externalID)
	if entry == nil {
		h.log.V(1).Info("prompt-submitted callback unmatched", "external_id", externalID)
		return
	}
	entry.Execution.SetProcessing(true)
	h.status.MarkWorking(ctx, entry.InternalID)
	h.log.V(1).Info("prompt submitted", "session_id", entry.InternalID)
}

// OnTurnStopped clears the processing flag. If nothing else is queued
// the session returns to IDLE; with queued inputs it stays WORKING
// because the activation will immediately pick up the next one.
func (h *Hooks) OnTurnStopped(ctx context.Context, externalID string) {
	entry := h.registry.Resolve(ctx, externalID)
	if entry == nil {
		h.log.V(1).Info("turn-stopped callback unmatched", "external_id", externalID)
		return
	}
	entry.Execution.SetProcessing(false)
	if entry.Execution.QueueSize() == 0 {
		h.status.ResetToIdle(ctx, entry.InternalID, false)
	}
	h.log.V(1).Info("turn stopped",
		"session_id", entry.InternalID, "queue_size", entry.Execution.QueueSize())
}

// InjectContext enriches tool arguments with the identity context of
// the calling session. The input map is not modified; when no context
// can be resolved the arguments are returned as they came.
func (h *Hooks) InjectContext(ctx context.Context, externalID string, args map[string]interface{}) map[string]interface{} {
	projectID, sourceInstanceID := h.registry.LookupContext(ctx, externalID)
	if projectID == "" && sourceInstanceID == "" {
		return args
	}

	enriched := make(map[string]interface{}, len(args)+2)
	for k, v := range args {
		enriched[k] = v
	}
	if projectID != "" {
		enriched["project_id"] = projectID
	}
	if sourceInstanceID != "" {
		enriched["source_instance_id"] = sourceInstanceID
	}
	return enriched
}
