package hub

import (
	"testing"

	"flowline/internal/domain"
)

func TestPushToConnectedAgent(t *testing.T) {
	h := New()
	ch := h.Register("agent-1", []string{"docker"})
	if !h.Push("agent-1", domain.Command{ID: "c1", Type: domain.CommandCancel, InstanceID: "i1"}) {
		t.Fatalf("push should succeed for connected agent")
	}
	cmd := <-ch
	if cmd.ID != "c1" || cmd.InstanceID != "i1" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
}

func TestPushToDisconnectedAgentIsNoop(t *testing.T) {
	h := New()
	if h.Push("ghost", domain.Command{ID: "c1"}) {
		t.Fatalf("push to unknown agent should report false")
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	h := New()
	old := h.Register("agent-1", nil)
	fresh := h.Register("agent-1", nil)
	if _, ok := <-old; ok {
		t.Fatalf("old channel should be closed on reconnect")
	}
	if !h.Push("agent-1", domain.Command{ID: "c2"}) {
		t.Fatalf("push should reach the new session")
	}
	if cmd := <-fresh; cmd.ID != "c2" {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	// unregistering the stale channel must not tear down the new session
	h.Unregister("agent-1", old)
	if !h.Connected("agent-1") {
		t.Fatalf("new session should survive stale unregister")
	}
	h.Unregister("agent-1", fresh)
	if h.Connected("agent-1") {
		t.Fatalf("agent should be gone after unregister")
	}
}

func TestAgentsListing(t *testing.T) {
	h := New()
	h.Register("a", []string{"x"})
	h.Register("b", nil)
	agents := h.Agents()
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(agents))
	}
}
