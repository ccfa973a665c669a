// Package propagation keeps every node's effective inputs in sync with the
// outputs feeding its input ports.
//
// Effective inputs are the node's manual fields with the upstream view laid
// over them: connected upstream wins, then the manual value, then nothing.
// A view on the default port is merged key by key; a view on a named port is
// stored under the port name. Recomputation reaches direct consumers only; a
// consumer whose own output changes as a result notifies its consumers in
// turn, which terminates because the graph is acyclic.
package propagation

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/metrics"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Deriver computes the output of passive kinds from their effective inputs.
// Satisfied by *nodes.Registry.
type Deriver interface {
	Derive(kind schema.NodeKind, inputs map[string]any) (map[string]any, bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeriver enables passive output derivation.
func WithDeriver(d Deriver) Option {
	return func(e *Engine) { e.deriver = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine observes a Graph and recomputes effective inputs.
type Engine struct {
	g       *graph.Graph
	deriver Deriver
	logger  *slog.Logger

	locks sync.Map // node id -> *sync.Mutex

	mu          sync.Mutex
	unsubscribe func()
}

var equal = cmpopts.EquateEmpty()

// New creates an engine over g. Call Start to begin observing.
func New(g *graph.Graph, opts ...Option) *Engine {
	e := &Engine{g: g}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

// Start subscribes to the graph and brings every node up to date. Calling
// Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.unsubscribe != nil {
		e.mu.Unlock()
		return nil
	}
	e.unsubscribe = e.g.Subscribe(func(c graph.Change) { e.onChange(ctx, c) })
	e.mu.Unlock()
	return e.RecomputeAll(ctx)
}

// Close stops observing the graph.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

func (e *Engine) onChange(ctx context.Context, c graph.Change) {
	switch c.Type {
	case schema.EventOutputChanged:
		for _, conn := range e.g.Outgoing(c.NodeID) {
			e.recomputeLogged(ctx, conn.ToNodeID)
		}
	case schema.EventConnectionAdded, schema.EventConnectionRemoved:
		if c.Connection != nil {
			e.recomputeLogged(ctx, c.Connection.ToNodeID)
		}
	case schema.EventDataChanged, schema.EventNodeAdded:
		e.recomputeLogged(ctx, c.NodeID)
	case schema.EventNodeDeleted:
		e.locks.Delete(c.NodeID)
	case schema.EventGraphReplaced:
		e.locks.Range(func(k, _ any) bool {
			e.locks.Delete(k)
			return true
		})
		if err := e.RecomputeAll(ctx); err != nil {
			e.logger.Warn("recompute after replace", "error", err)
		}
	}
}

func (e *Engine) recomputeLogged(ctx context.Context, id string) {
	if _, err := e.Recompute(ctx, id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		e.logger.Warn("recompute inputs", "node_id", id, "error", err)
	}
}

// RecomputeAll recomputes every node, producers before consumers.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	order, err := e.g.TopologicalOrder()
	if err != nil {
		return err
	}
	for _, id := range order {
		if _, err := e.Recompute(ctx, id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return err
		}
	}
	return nil
}

func (e *Engine) lock(id string) func() {
	m, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// EffectiveInputs computes what node id should see now, without writing.
func (e *Engine) EffectiveInputs(ctx context.Context, id string) (map[string]any, error) {
	n, ok := e.g.Node(id)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", id)
	}
	return e.effective(ctx, n), nil
}

func (e *Engine) effective(ctx context.Context, n *schema.Node) map[string]any {
	inputs := make(map[string]any, len(n.Data))
	for k, v := range n.Data {
		inputs[k] = v
	}
	for _, port := range e.g.InputPorts(n.ID) {
		view, err := e.g.IncomingData(ctx, n.ID, port)
		if err != nil {
			// A bad view reads as no incoming data.
			e.logger.Warn("adapt incoming data", "node_id", n.ID, "port", port, "error", err)
			continue
		}
		if view == nil {
			continue
		}
		if port != schema.DefaultPort {
			inputs[port] = view
			continue
		}
		for k, v := range view {
			inputs[k] = v
		}
	}
	return inputs
}

// Recompute refreshes node id's effective inputs, and its output when the
// kind is passive. Nothing is written when the values are unchanged. The
// returned bool reports whether a write happened.
func (e *Engine) Recompute(ctx context.Context, id string) (bool, error) {
	unlock := e.lock(id)
	defer unlock()

	n, ok := e.g.Node(id)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", id)
	}
	inputs := e.effective(ctx, n)

	var upd schema.NodeUpdate
	written := false
	if !cmp.Equal(n.Inputs, inputs, equal) {
		upd.Inputs = inputs
		written = true
	}
	if e.deriver != nil {
		if out, passive := e.deriver.Derive(n.Kind, inputs); passive {
			if out == nil {
				out = map[string]any{}
			}
			if !cmp.Equal(n.Output, out, equal) {
				upd.Output = out
				status := schema.NodeStatusIdle
				if len(out) > 0 {
					status = schema.NodeStatusSuccess
				}
				upd.Status = &status
				written = true
			}
		}
	}
	metrics.Recompute(written)
	if !written {
		return false, nil
	}
	if _, err := e.g.UpdateNode(id, upd); err != nil {
		return false, err
	}
	return true, nil
}
