package diagram

import (
	"fmt"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/pkg/schema"
)

// idPrefix is how many characters of a node id appear in labels.
const idPrefix = 8

// Catalog tells the builder which kinds have inputs and outputs.
// graph.Catalog satisfies it.
type Catalog interface {
	InputPorts(kind schema.NodeKind) []string
	HasOutput(kind schema.NodeKind) bool
}

// FromGraph builds a Model of the live graph with its current statuses.
func FromGraph(g *graph.Graph, title string) (*Model, error) {
	return Build(title, g.Nodes(), g.Connections(), g.Catalog())
}

// Build constructs a Model from nodes and connections. Levels follow the
// longest path from a source so that every producer sits left of its
// consumers. catalog may be nil, in which case every node is a task.
func Build(title string, nodes []*schema.Node, conns []schema.Connection, catalog Catalog) (*Model, error) {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	order, err := graph.KahnOrder(ids, conns)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &Model{Title: title, Nodes: make([]*Node, 0, len(nodes))}
	for _, n := range nodes {
		model.Nodes = append(model.Nodes, toNode(n, catalog))
	}

	parents := make(map[string][]string, len(conns))
	for _, c := range conns {
		parents[c.ToNodeID] = append(parents[c.ToNodeID], c.FromNodeID)
		e := Edge{From: c.FromNodeID, To: c.ToNodeID}
		if c.ToPort != "" && c.ToPort != schema.DefaultPort {
			e.Label = c.ToPort
		}
		model.Edges = append(model.Edges, e)
	}

	level := make(map[string]int, len(order))
	for _, id := range order {
		for _, p := range parents[id] {
			if level[p]+1 > level[id] {
				level[id] = level[p] + 1
			}
		}
		l := level[id]
		for len(model.Levels) <= l {
			model.Levels = append(model.Levels, nil)
		}
		model.Levels[l] = append(model.Levels[l], id)
	}
	return model, nil
}

func toNode(n *schema.Node, catalog Catalog) *Node {
	node := &Node{
		ID:     n.ID,
		Label:  Label(n.Kind, n.ID),
		Kind:   n.Kind,
		Role:   RoleTask,
		Status: n.Status,
		Error:  n.Error,
	}
	if catalog != nil {
		switch {
		case !catalog.HasOutput(n.Kind):
			node.Role = RoleSink
		case len(catalog.InputPorts(n.Kind)) == 0:
			node.Role = RoleSource
		}
	}
	if n.Status == schema.NodeStatusLoading && n.Progress != nil && n.Progress.Total > 0 {
		node.Progress = fmt.Sprintf("%d/%d", n.Progress.Completed, n.Progress.Total)
	}
	return node
}

// Label is kind plus the id prefix, e.g. "research 1a2b3c4d".
func Label(kind schema.NodeKind, id string) string {
	if len(id) > idPrefix {
		id = id[:idPrefix]
	}
	return fmt.Sprintf("%s %s", kind, id)
}

// findNode looks up a node by ID in the model's node list.
func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
