// Package hub tracks connected agents and their push-command channels. One
// session per agent id; a reconnect replaces the previous session.
package hub

import (
	"sync"
	"time"

	"flowline/internal/domain"
)

const sendBuffer = 16

type session struct {
	info domain.AgentInfo
	ch   chan domain.Command
}

type Hub struct {
	Now func() time.Time

	mu     sync.RWMutex
	agents map[string]*session
}

func New() *Hub {
	return &Hub{Now: time.Now, agents: make(map[string]*session)}
}

// Register opens a command channel for the agent. An existing session for the
// same id is closed and replaced.
func (h *Hub) Register(agentID string, capabilities []string) <-chan domain.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.agents[agentID]; ok {
		close(prev.ch)
	}
	s := &session{
		info: domain.AgentInfo{
			ID:           agentID,
			Capabilities: capabilities,
			ConnectedAt:  h.now().UTC().Format(time.RFC3339),
		},
		ch: make(chan domain.Command, sendBuffer),
	}
	h.agents[agentID] = s
	return s.ch
}

// Unregister closes the agent's session. The channel argument guards against
// tearing down a newer session after a reconnect replaced this one.
func (h *Hub) Unregister(agentID string, ch <-chan domain.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.agents[agentID]
	if !ok || s.ch != ch {
		return
	}
	close(s.ch)
	delete(h.agents, agentID)
}

// Push delivers a command to a connected agent. Returns false when the agent
// is not connected or its buffer is full; the caller treats both as a no-op.
func (h *Hub) Push(agentID string, cmd domain.Command) bool {
	// The lock is held across the send so Unregister cannot close the
	// channel mid-push.
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.agents[agentID]
	if !ok {
		return false
	}
	select {
	case s.ch <- cmd:
		return true
	default:
		return false
	}
}

// Connected reports whether the agent has an open session.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	_, ok := h.agents[agentID]
	h.mu.RUnlock()
	return ok
}

// Agents lists the currently connected agents.
func (h *Hub) Agents() []domain.AgentInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res := make([]domain.AgentInfo, 0, len(h.agents))
	for _, s := range h.agents {
		res = append(res, s.info)
	}
	return res
}

func (h *Hub) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}
