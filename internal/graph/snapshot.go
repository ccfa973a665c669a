package graph

import (
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// Snapshot captures the persistent part of the graph: nodes (with data and
// last output) and connections.
func (g *Graph) Snapshot(name string) schema.Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	now := time.Now().UTC()
	snap := schema.Snapshot{
		Version:     schema.SnapshotVersion,
		Name:        name,
		SavedAt:     &now,
		Nodes:       make([]schema.SnapshotNode, 0, len(g.order)),
		Connections: make([]schema.Connection, len(g.conns)),
	}
	for _, id := range g.order {
		n := g.nodes[id]
		sn := schema.SnapshotNode{
			ID:       n.ID,
			Kind:     n.Kind,
			Position: n.Position,
			Data:     copyMap(n.Data),
			Output:   copyMap(n.Output),
		}
		if n.Size != nil {
			s := *n.Size
			sn.Size = &s
		}
		snap.Nodes = append(snap.Nodes, sn)
	}
	copy(snap.Connections, g.conns)
	return snap
}

// Replace swaps the whole graph for the snapshot contents. The snapshot is
// applied to a scratch graph first; on any error the current graph is left
// exactly as it was.
func (g *Graph) Replace(snap schema.Snapshot) error {
	scratch := g.scratch()
	if err := scratch.load(snap); err != nil {
		return err
	}
	g.commit(scratch)
	return nil
}

// Merge adds the snapshot's nodes and connections to the current graph.
// Node IDs must not collide with existing ones. The write lock is held from
// the copy through the swap, so no concurrent write is lost. Listeners see
// one node_added per node and one connection_added per connection.
func (g *Graph) Merge(snap schema.Snapshot) error {
	scratch := g.scratch()

	g.mu.Lock()
	for _, id := range g.order {
		scratch.nodes[id] = g.nodes[id]
		scratch.order = append(scratch.order, id)
	}
	for _, c := range g.conns {
		scratch.conns = append(scratch.conns, c)
		scratch.index(c)
	}
	if err := scratch.load(snap); err != nil {
		g.mu.Unlock()
		return err
	}
	g.swap(scratch)
	rev := g.rev

	changes := make([]Change, 0, len(snap.Nodes)+len(snap.Connections))
	for _, sn := range snap.Nodes {
		changes = append(changes, Change{Type: schema.EventNodeAdded, NodeID: sn.ID, Kind: sn.Kind, Revision: rev})
	}
	for _, c := range scratch.conns[len(scratch.conns)-len(snap.Connections):] {
		changes = append(changes, Change{Type: schema.EventConnectionAdded, NodeID: c.ToNodeID, Kind: g.nodes[c.ToNodeID].Kind, Connection: &c, Revision: rev})
	}
	g.mu.Unlock()

	g.logger.Info("snapshot merged", "nodes", len(snap.Nodes), "connections", len(snap.Connections))
	g.notify(changes)
	return nil
}

func (g *Graph) scratch() *Graph {
	return &Graph{
		catalog:  g.catalog,
		logger:   g.logger,
		nodes:    make(map[string]*schema.Node),
		incoming: make(map[schema.InputKey]schema.Connection),
		outgoing: make(map[string][]schema.Connection),
	}
}

// load inserts snapshot contents into an unshared scratch graph.
func (g *Graph) load(snap schema.Snapshot) error {
	for _, sn := range snap.Nodes {
		if !g.catalog.Known(sn.Kind) {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s: unknown node type %q", sn.ID, sn.Kind)
		}
		if sn.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "node with empty id")
		}
		if _, dup := g.nodes[sn.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id: %s", sn.ID)
		}
		data := g.catalog.Defaults(sn.Kind)
		if data == nil {
			data = make(map[string]any, len(sn.Data))
		}
		for k, v := range sn.Data {
			data[k] = v
		}
		n := &schema.Node{
			ID:       sn.ID,
			Kind:     sn.Kind,
			Position: sn.Position,
			Status:   schema.NodeStatusIdle,
			Data:     data,
			Output:   copyMap(sn.Output),
			Progress: schema.InitialProgress(),
		}
		if sn.Size != nil {
			s := *sn.Size
			n.Size = &s
		}
		if len(n.Output) > 0 {
			n.Status = schema.NodeStatusSuccess
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}
	for _, c := range snap.Connections {
		if c.FromPort == "" {
			c.FromPort = schema.OutputPort
		}
		if c.ToPort == "" {
			c.ToPort = schema.DefaultPort
		}
		if err := g.checkConnect(c); err != nil {
			return err
		}
		g.conns = append(g.conns, c)
		g.index(c)
	}
	return nil
}

func (g *Graph) commit(scratch *Graph) {
	g.mu.Lock()
	g.swap(scratch)
	change := Change{Type: schema.EventGraphReplaced, Revision: g.rev}
	g.mu.Unlock()

	g.logger.Info("graph replaced", "nodes", len(scratch.order), "connections", len(scratch.conns))
	g.notify([]Change{change})
}

// swap installs the scratch contents. Must be called with g.mu held.
func (g *Graph) swap(scratch *Graph) {
	g.nodes = scratch.nodes
	g.order = scratch.order
	g.conns = scratch.conns
	g.incoming = scratch.incoming
	g.outgoing = scratch.outgoing
	g.rev++
}

// TopologicalOrder returns node IDs ordered so every producer precedes its
// consumers. Ties keep insertion order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return KahnOrder(g.order, g.conns)
}

// KahnOrder sorts ids with Kahn's algorithm over the given edges and returns
// a cycle error if not every node could be placed.
func KahnOrder(ids []string, conns []schema.Connection) ([]string, error) {
	inDegree := make(map[string]int, len(ids))
	adj := make(map[string][]string, len(ids))
	for _, id := range ids {
		inDegree[id] = 0
	}
	for _, c := range conns {
		if _, ok := inDegree[c.ToNodeID]; !ok {
			continue
		}
		if _, ok := inDegree[c.FromNodeID]; !ok {
			continue
		}
		adj[c.FromNodeID] = append(adj[c.FromNodeID], c.ToNodeID)
		inDegree[c.ToNodeID]++
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(ids))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		sorted = append(sorted, cur)
		for _, next := range adj[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "graph contains a cycle").
			WithDetails(map[string]any{"nodes": stuck})
	}
	return sorted, nil
}
