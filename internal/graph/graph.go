package graph

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/rendis/sitegraph/pkg/schema"
)

// Catalog describes the closed set of node kinds the graph accepts.
// Satisfied by *nodes.Registry.
type Catalog interface {
	Known(kind schema.NodeKind) bool
	InputPorts(kind schema.NodeKind) []string
	HasOutput(kind schema.NodeKind) bool
	Defaults(kind schema.NodeKind) map[string]any
}

// Adapter turns an upstream node's output into the view a downstream kind
// reads from one of its ports.
type Adapter interface {
	Adapt(ctx context.Context, from, to schema.NodeKind, port string, output map[string]any) (map[string]any, error)
}

// Change describes one committed graph mutation. Listeners receive changes
// after the mutation is fully applied, so they never observe a dangling
// connection.
type Change struct {
	Type       string
	NodeID     string
	Kind       schema.NodeKind
	Connection *schema.Connection
	Revision   uint64
}

// Listener is notified synchronously, in the order changes were committed.
type Listener func(Change)

// Option configures a Graph.
type Option func(*Graph)

// WithAdapter sets the adapter used by IncomingData.
func WithAdapter(a Adapter) Option {
	return func(g *Graph) { g.adapter = a }
}

// WithLogger sets the graph logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// WithIDGenerator overrides node ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(g *Graph) { g.newID = fn }
}

// Graph is the canonical store of nodes and connections. All mutation goes
// through AddNode, DeleteNode, Connect, Disconnect, UpdateNode and Replace.
// It is safe for concurrent use.
type Graph struct {
	catalog Catalog
	adapter Adapter
	logger  *slog.Logger
	newID   func() string

	mu       sync.RWMutex
	nodes    map[string]*schema.Node
	order    []string
	conns    []schema.Connection
	incoming map[schema.InputKey]schema.Connection
	outgoing map[string][]schema.Connection
	rev      uint64

	lmu       sync.RWMutex
	listeners map[uint64]Listener
	lseq      uint64
}

// New creates an empty graph over the given catalog.
func New(catalog Catalog, opts ...Option) *Graph {
	g := &Graph{
		catalog:   catalog,
		newID:     func() string { return uuid.New().String() },
		nodes:     make(map[string]*schema.Node),
		incoming:  make(map[schema.InputKey]schema.Connection),
		outgoing:  make(map[string][]schema.Connection),
		listeners: make(map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return g
}

// Subscribe registers a listener and returns a function that removes it.
func (g *Graph) Subscribe(l Listener) func() {
	g.lmu.Lock()
	g.lseq++
	id := g.lseq
	g.listeners[id] = l
	g.lmu.Unlock()
	return func() {
		g.lmu.Lock()
		delete(g.listeners, id)
		g.lmu.Unlock()
	}
}

func (g *Graph) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	g.lmu.RLock()
	ids := make([]uint64, 0, len(g.listeners))
	for id := range g.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, g.listeners[id])
	}
	g.lmu.RUnlock()

	for _, c := range changes {
		for _, l := range ls {
			l(c)
		}
	}
}

// Revision returns a counter bumped on every committed mutation.
func (g *Graph) Revision() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rev
}

// AddNode creates a node of the given kind. Kind defaults are applied first,
// then data overrides them key by key.
func (g *Graph) AddNode(kind schema.NodeKind, data map[string]any, pos schema.Position) (*schema.Node, error) {
	if !g.catalog.Known(kind) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type: %s", kind)
	}

	merged := g.catalog.Defaults(kind)
	if merged == nil {
		merged = make(map[string]any, len(data))
	}
	for k, v := range data {
		merged[k] = v
	}

	node := &schema.Node{
		ID:       g.newID(),
		Kind:     kind,
		Position: pos,
		Status:   schema.NodeStatusIdle,
		Data:     merged,
		Progress: schema.InitialProgress(),
	}

	g.mu.Lock()
	if _, exists := g.nodes[node.ID]; exists {
		g.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "duplicate node id: %s", node.ID)
	}
	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	g.rev++
	change := Change{Type: schema.EventNodeAdded, NodeID: node.ID, Kind: kind, Revision: g.rev}
	out := node.Clone()
	g.mu.Unlock()

	g.logger.Debug("node added", slog.String("node_id", node.ID), slog.String("kind", string(kind)))
	g.notify([]Change{change})
	return out, nil
}

// DeleteNode removes the node and every connection where it is source or
// target, in one step.
func (g *Graph) DeleteNode(id string) error {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", id)
	}

	var removed []schema.Connection
	kept := g.conns[:0:0]
	for _, c := range g.conns {
		if c.Touches(id) {
			removed = append(removed, c)
			continue
		}
		kept = append(kept, c)
	}
	g.conns = kept
	for _, c := range removed {
		g.unindex(c)
	}
	delete(g.outgoing, id)
	delete(g.nodes, id)
	for i, nid := range g.order {
		if nid == id {
			g.order = append(g.order[:i:i], g.order[i+1:]...)
			break
		}
	}
	g.rev++
	rev := g.rev

	changes := make([]Change, 0, len(removed)+1)
	changes = append(changes, Change{Type: schema.EventNodeDeleted, NodeID: id, Kind: node.Kind, Revision: rev})
	for i := range removed {
		c := removed[i]
		changes = append(changes, Change{Type: schema.EventConnectionRemoved, NodeID: c.ToNodeID, Connection: &c, Revision: rev})
	}
	g.mu.Unlock()

	g.logger.Debug("node deleted", slog.String("node_id", id), slog.Int("connections_removed", len(removed)))
	g.notify(changes)
	return nil
}

// Connect adds a connection. It fails with a validation error when either
// node is missing, the edge is a self-loop, a port does not exist, the
// target port is already connected, or the edge would close a cycle.
func (g *Graph) Connect(c schema.Connection) error {
	if c.FromPort == "" {
		c.FromPort = schema.OutputPort
	}
	if c.ToPort == "" {
		c.ToPort = schema.DefaultPort
	}

	g.mu.Lock()
	if err := g.checkConnect(c); err != nil {
		g.mu.Unlock()
		return err
	}
	g.conns = append(g.conns, c)
	g.index(c)
	g.rev++
	change := Change{Type: schema.EventConnectionAdded, NodeID: c.ToNodeID, Kind: g.nodes[c.ToNodeID].Kind, Connection: &c, Revision: g.rev}
	g.mu.Unlock()

	g.logger.Debug("connected",
		slog.String("from", c.FromNodeID), slog.String("to", c.ToNodeID), slog.String("port", c.ToPort))
	g.notify([]Change{change})
	return nil
}

// checkConnect must be called with g.mu held.
func (g *Graph) checkConnect(c schema.Connection) error {
	from, ok := g.nodes[c.FromNodeID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "source node not found: %s", c.FromNodeID)
	}
	to, ok := g.nodes[c.ToNodeID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "target node not found: %s", c.ToNodeID)
	}
	if c.FromNodeID == c.ToNodeID {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s cannot connect to itself", c.FromNodeID)
	}
	if !g.catalog.HasOutput(from.Kind) || c.FromPort != schema.OutputPort {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node has no output port %q", from.Kind, c.FromPort)
	}
	if !containsString(g.catalog.InputPorts(to.Kind), c.ToPort) {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s node has no input port %q", to.Kind, c.ToPort)
	}
	if existing, taken := g.incoming[c.Target()]; taken {
		return schema.NewErrorf(schema.ErrCodePortOccupied,
			"input %q of node %s is already connected from %s; disconnect it first",
			c.ToPort, c.ToNodeID, existing.FromNodeID).
			WithDetails(map[string]any{"existing_from": existing.FromNodeID})
	}
	if g.reachable(c.ToNodeID, c.FromNodeID) {
		return schema.NewErrorf(schema.ErrCodeCycleDetected,
			"connecting %s to %s would create a cycle", c.FromNodeID, c.ToNodeID)
	}
	return nil
}

// reachable reports whether target can be reached from start by following
// existing edges. Must be called with g.mu held.
func (g *Graph) reachable(start, target string) bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for _, out := range g.outgoing[cur] {
			if !seen[out.ToNodeID] {
				seen[out.ToNodeID] = true
				queue = append(queue, out.ToNodeID)
			}
		}
	}
	return false
}

// Disconnect removes a connection. Removing a connection that does not exist
// is not an error; the returned bool reports whether anything was removed.
func (g *Graph) Disconnect(c schema.Connection) bool {
	if c.FromPort == "" {
		c.FromPort = schema.OutputPort
	}
	if c.ToPort == "" {
		c.ToPort = schema.DefaultPort
	}

	g.mu.Lock()
	idx := -1
	for i, existing := range g.conns {
		if existing == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		g.mu.Unlock()
		return false
	}
	g.conns = append(g.conns[:idx:idx], g.conns[idx+1:]...)
	g.unindex(c)
	g.rev++
	var kind schema.NodeKind
	if n, ok := g.nodes[c.ToNodeID]; ok {
		kind = n.Kind
	}
	change := Change{Type: schema.EventConnectionRemoved, NodeID: c.ToNodeID, Kind: kind, Connection: &c, Revision: g.rev}
	g.mu.Unlock()

	g.notify([]Change{change})
	return true
}

func (g *Graph) index(c schema.Connection) {
	g.incoming[c.Target()] = c
	g.outgoing[c.FromNodeID] = append(g.outgoing[c.FromNodeID], c)
}

func (g *Graph) unindex(c schema.Connection) {
	delete(g.incoming, c.Target())
	outs := g.outgoing[c.FromNodeID]
	for i, o := range outs {
		if o == c {
			g.outgoing[c.FromNodeID] = append(outs[:i:i], outs[i+1:]...)
			break
		}
	}
	if len(g.outgoing[c.FromNodeID]) == 0 {
		delete(g.outgoing, c.FromNodeID)
	}
}

// UpdateNode applies a shallow patch to one node. It touches only that node's
// record, so it is cheap enough to call from progress callbacks.
func (g *Graph) UpdateNode(id string, upd schema.NodeUpdate) (*schema.Node, error) {
	g.mu.Lock()
	node, ok := g.nodes[id]
	if !ok {
		g.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", id)
	}

	prevOutput := node.Output
	outputTouched := upd.Output != nil || upd.OutputPatch != nil

	if upd.Status != nil {
		node.Status = *upd.Status
	}
	if upd.Error != nil {
		node.Error = *upd.Error
	}
	if upd.Warning != nil {
		node.Warning = *upd.Warning
	}
	if upd.Output != nil {
		node.Output = copyMap(upd.Output)
	}
	if upd.OutputPatch != nil {
		node.Output = mergeMap(node.Output, upd.OutputPatch)
	}
	if upd.DataPatch != nil {
		node.Data = mergeMap(node.Data, upd.DataPatch)
	}
	if upd.Inputs != nil {
		node.Inputs = copyMap(upd.Inputs)
	}
	if upd.Progress != nil {
		p := *upd.Progress
		node.Progress = &p
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		node.CompletedAt = &t
	}
	if upd.Position != nil {
		node.Position = *upd.Position
	}
	if upd.Size != nil {
		s := *upd.Size
		node.Size = &s
	}
	g.rev++
	rev := g.rev
	out := node.Clone()

	changes := []Change{{Type: schema.EventNodeUpdated, NodeID: id, Kind: node.Kind, Revision: rev}}
	if upd.DataPatch != nil {
		changes = append(changes, Change{Type: schema.EventDataChanged, NodeID: id, Kind: node.Kind, Revision: rev})
	}
	g.mu.Unlock()

	// Comparison happens outside the lock; prevOutput is never mutated in place.
	if outputTouched && !cmp.Equal(prevOutput, out.Output) {
		changes = append(changes, Change{Type: schema.EventOutputChanged, NodeID: id, Kind: out.Kind, Revision: rev})
	}

	g.notify(changes)
	return out, nil
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (*schema.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []*schema.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*schema.Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Connections returns all connections in creation order.
func (g *Graph) Connections() []schema.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]schema.Connection, len(g.conns))
	copy(out, g.conns)
	return out
}

// Incoming returns the connection feeding (nodeID, port), if any.
func (g *Graph) Incoming(nodeID, port string) (schema.Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.incoming[schema.InputKey{NodeID: nodeID, Port: port}]
	return c, ok
}

// Outgoing returns every connection leaving nodeID.
func (g *Graph) Outgoing(nodeID string) []schema.Connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	outs := g.outgoing[nodeID]
	cp := make([]schema.Connection, len(outs))
	copy(cp, outs)
	return cp
}

// IncomingData resolves what node nodeID sees on port: the upstream output
// adapted to nodeID's kind. It returns nil when the port is unconnected or
// the upstream node has no output yet.
func (g *Graph) IncomingData(ctx context.Context, nodeID, port string) (map[string]any, error) {
	g.mu.RLock()
	consumer, ok := g.nodes[nodeID]
	if !ok {
		g.mu.RUnlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node not found: %s", nodeID)
	}
	conn, connected := g.incoming[schema.InputKey{NodeID: nodeID, Port: port}]
	if !connected {
		g.mu.RUnlock()
		return nil, nil
	}
	producer := g.nodes[conn.FromNodeID]
	toKind := consumer.Kind
	fromKind := producer.Kind
	output := copyMap(producer.Output)
	g.mu.RUnlock()

	if len(output) == 0 {
		return nil, nil
	}
	if g.adapter == nil {
		return output, nil
	}
	return g.adapter.Adapt(ctx, fromKind, toKind, port, output)
}

// InputPorts returns the input ports of a node's kind.
func (g *Graph) InputPorts(nodeID string) []string {
	g.mu.RLock()
	n, ok := g.nodes[nodeID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return g.catalog.InputPorts(n.Kind)
}

// Catalog returns the kind catalog the graph validates against.
func (g *Graph) Catalog() Catalog {
	return g.catalog
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// mergeMap returns a new map holding dst overlaid with src.
func mergeMap(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
