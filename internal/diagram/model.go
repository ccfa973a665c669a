package diagram

import "github.com/rendis/sitegraph/pkg/schema"

// Role classifies a diagram node by where it sits in the dataflow.
type Role string

const (
	RoleSource Role = "source" // no input ports
	RoleTask   Role = "task"
	RoleSink   Role = "sink" // no output port
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one graph node as drawn.
type Node struct {
	ID     string
	Label  string
	Kind   schema.NodeKind
	Role   Role
	Status schema.NodeStatus
	// Progress is a short "completed/total" marker while a run is in flight.
	Progress string
	Error    string
}

// Edge is a connection. Label holds the input port name when it is not the
// default port.
type Edge struct {
	From  string
	To    string
	Label string
}
