package streaming

import (
	"context"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/pkg/schema"
)

// ForwardGraph publishes every committed graph change to hub until the
// returned stop function is called. Node events carry the node's current
// state as payload so clients can render without a follow-up read.
func ForwardGraph(ctx context.Context, hub EventHub, g *graph.Graph) (stop func()) {
	return g.Subscribe(func(c graph.Change) {
		evt := StreamEvent{NodeID: c.NodeID, EventType: c.Type}
		switch c.Type {
		case schema.EventNodeUpdated, schema.EventNodeAdded, schema.EventOutputChanged:
			if n, ok := g.Node(c.NodeID); ok {
				evt.Payload = n
			}
		case schema.EventConnectionAdded, schema.EventConnectionRemoved:
			evt.Payload = c.Connection
		default:
			evt.Payload = map[string]any{"revision": c.Revision, "kind": c.Kind}
		}
		_ = hub.Publish(ctx, evt)
	})
}
