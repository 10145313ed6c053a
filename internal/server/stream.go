package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"flowline/internal/domain"
	"flowline/internal/engine"
)

// CommandMessage is one pushed command on an agent's stream.
type CommandMessage struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id"`
	Args       map[string]any `json:"args,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// registerCommandStream exposes the per-agent push channel as a server-sent
// event stream. The session lives as long as the request; a reconnect with
// the same agent id replaces it.
func registerCommandStream(api huma.API, e *engine.Engine) {
	sse.Register(api, huma.Operation{
		OperationID: "agent-command-stream",
		Method:      http.MethodGet,
		Path:        "/agents/commands",
		Summary:     "Subscribe to pushed commands",
	}, map[string]any{
		"command": CommandMessage{},
	}, func(ctx context.Context, input *struct {
		Capabilities []string `query:"capability"`
	}, send sse.Sender) {
		agentID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return
		}
		ch := e.Hub.Register(agentID, input.Capabilities)
		defer e.Hub.Unregister(agentID, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case cmd, ok := <-ch:
				if !ok {
					return
				}
				if err := send.Data(commandMessage(cmd)); err != nil {
					return
				}
			}
		}
	})
}

func commandMessage(cmd domain.Command) CommandMessage {
	return CommandMessage{
		ID:         cmd.ID,
		Type:       cmd.Type,
		InstanceID: cmd.InstanceID,
		Args:       cmd.Args,
		CreatedAt:  cmd.CreatedAt,
	}
}
