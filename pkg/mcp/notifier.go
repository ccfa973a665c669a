package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/pkg/schema"
)

// runOutcomes are the events pushed to the session that started a run.
var runOutcomes = []string{
	schema.EventRunCompleted,
	schema.EventRunFailed,
	schema.EventRunCancelled,
	schema.EventRunRefused,
}

// NodeNotifier pushes run notifications to the client watching a node.
type NodeNotifier interface {
	Notify(ctx context.Context, nodeID string, payload map[string]any) error
}

// MCPNotifier implements NodeNotifier using MCP session push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to registered sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session watching nodeID.
// Best-effort: returns nil if no session is watching.
func (n *MCPNotifier) Notify(_ context.Context, nodeID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(nodeID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to run outcomes on hub and notifies the watching
// session of each. The watch ends with the run.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub) (stop func(), err error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{EventTypes: runOutcomes})
	if err != nil {
		return nil, err
	}
	go func() {
		for evt := range ch {
			_ = n.Notify(ctx, evt.NodeID, map[string]any{
				"node_id":    evt.NodeID,
				"run_id":     evt.RunID,
				"event_type": evt.EventType,
				"payload":    evt.Payload,
			})
			n.sessions.Forget(evt.NodeID)
		}
	}()
	return cancel, nil
}
