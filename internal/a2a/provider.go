package a2a

import (
	"context"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"trpc.group/trpc-go/trpc-a2a-go/client"

	apperrors "github.com/sessionkit-dev/sessionkit/pkg/orchestrator/errors"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/worker"
)

// Provider hands out one A2A stream per session, implementing
// worker.Provider. Streams live until the orchestrator removes them.
type Provider struct {
	baseURL string
	log     logr.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewProvider creates a Provider talking to agents under baseURL.
func NewProvider(baseURL string, log logr.Logger) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log.WithName("a2a-provider"),
		streams: make(map[string]*Stream),
	}
}

// Get returns the live stream for a session.
func (p *Provider) Get(sessionID string) (worker.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stream, ok := p.streams[sessionID]
	if !ok {
		return nil, worker.ErrStreamNotFound
	}
	return stream, nil
}

// Create builds a new stream for a session. A non-empty resumeToken is
// used as the agent context id so the agent resumes its prior
// conversation.
func (p *Provider) Create(_ context.Context, sessionID, agentID, resumeToken string) (worker.Stream, error) {
	c, err := client.NewA2AClient(p.endpoint(agentID))
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeStreamFailed, "failed to create a2a client", err)
	}

	stream := newStream(c, sessionID, agentID, resumeToken, p.log)
	p.mu.Lock()
	p.streams[sessionID] = stream
	p.mu.Unlock()
	p.log.V(1).Info("a2a stream created",
		"session_id", sessionID, "agent_id", agentID, "resuming", resumeToken != "")
	return stream, nil
}

// Remove forgets the stream for a session.
func (p *Provider) Remove(sessionID string) {
	p.mu.Lock()
	delete(p.streams, sessionID)
	p.mu.Unlock()
}

func (p *Provider) endpoint(agentID string) string {
	if agentID == "" {
		return p.baseURL
	}
	return p.baseURL + "/agents/" + agentID
}
