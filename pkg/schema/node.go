package schema

import "time"

// NodeKind is the closed set of node types a graph can hold.
type NodeKind string

const (
	KindLLM                  NodeKind = "llm"
	KindOutput               NodeKind = "output"
	KindLocation             NodeKind = "location"
	KindResearch             NodeKind = "research"
	KindCategorySelector     NodeKind = "category-selector"
	KindProviderDiscovery    NodeKind = "provider-discovery"
	KindProviderEnrichment   NodeKind = "provider-enrichment"
	KindWebDesigner          NodeKind = "web-designer"
	KindImageGen             NodeKind = "image-gen"
	KindImageSource          NodeKind = "image-source"
	KindLocalKnowledge       NodeKind = "local-knowledge"
	KindSitePlanner          NodeKind = "site-planner"
	KindProfileGenerator     NodeKind = "profile-generator"
	KindEditorialContent     NodeKind = "editorial-content"
	KindComparisonData       NodeKind = "comparison-data"
	KindSEOOptimization      NodeKind = "seo-optimization"
	KindDesignPrompt         NodeKind = "design-prompt"
	KindBrandDesign          NodeKind = "brand-design"
	KindCodeGeneration       NodeKind = "code-generation"
	KindScreenshotReplicator NodeKind = "screenshot-replicator"
	KindDataViewer           NodeKind = "data-viewer"
	KindDeployment           NodeKind = "deployment"
)

// AllKinds lists every NodeKind in display order.
var AllKinds = []NodeKind{
	KindLLM, KindOutput, KindLocation, KindResearch, KindCategorySelector,
	KindProviderDiscovery, KindProviderEnrichment, KindWebDesigner, KindImageGen,
	KindImageSource, KindLocalKnowledge, KindSitePlanner, KindProfileGenerator,
	KindEditorialContent, KindComparisonData, KindSEOOptimization, KindDesignPrompt,
	KindBrandDesign, KindCodeGeneration, KindScreenshotReplicator, KindDataViewer,
	KindDeployment,
}

// NodeStatus is the run state of a node.
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusLoading NodeStatus = "loading"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// DefaultPort is the name of the single unlabeled port most nodes expose.
const DefaultPort = "in"

// OutputPort is the name of a node's output port.
const OutputPort = "out"

// Position is the canvas placement of a node. Not interpreted by the engine.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is the canvas size of a node. Not interpreted by the engine.
type Size struct {
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// Node is a unit of work and state in the graph.
//
// Data holds manually entered fields, Inputs the effective input snapshot
// (upstream values layered over Data), Output the last produced result.
type Node struct {
	ID          string         `json:"id"`
	Kind        NodeKind       `json:"type"`
	Position    Position       `json:"position"`
	Size        *Size          `json:"size,omitempty"`
	Status      NodeStatus     `json:"status"`
	Data        map[string]any `json:"data,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Progress    *PhaseProgress `json:"progress,omitempty"`
	Error       string         `json:"error,omitempty"`
	Warning     string         `json:"warning,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy of the node whose top-level maps can be mutated
// without affecting the original.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Data = cloneMap(n.Data)
	cp.Inputs = cloneMap(n.Inputs)
	cp.Output = cloneMap(n.Output)
	if n.Progress != nil {
		p := *n.Progress
		cp.Progress = &p
	}
	if n.Size != nil {
		s := *n.Size
		cp.Size = &s
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// HasOutput reports whether the node currently holds any output.
func (n *Node) HasOutput() bool {
	return len(n.Output) > 0
}

// Connection is a directed edge carrying one node's output to another's input port.
type Connection struct {
	FromNodeID string `json:"fromNodeId"`
	FromPort   string `json:"fromPort"`
	ToNodeID   string `json:"toNodeId"`
	ToPort     string `json:"toPort"`
}

// InputKey identifies a single-writer input slot.
type InputKey struct {
	NodeID string
	Port   string
}

// Target returns the input slot this connection writes into.
func (c Connection) Target() InputKey {
	return InputKey{NodeID: c.ToNodeID, Port: c.ToPort}
}

// Touches reports whether the connection has nodeID as source or target.
func (c Connection) Touches(nodeID string) bool {
	return c.FromNodeID == nodeID || c.ToNodeID == nodeID
}

// NodeUpdate is a shallow patch applied through Graph.UpdateNode. Nil fields
// are left untouched. Output replaces the whole output map; OutputPatch and
// DataPatch merge key by key.
type NodeUpdate struct {
	Status      *NodeStatus
	Error       *string
	Warning     *string
	Output      map[string]any
	OutputPatch map[string]any
	DataPatch   map[string]any
	Inputs      map[string]any
	Progress    *PhaseProgress
	CompletedAt *time.Time
	Position    *Position
	Size        *Size
}

// StatusPtr returns a pointer to s, for building NodeUpdate literals.
func StatusPtr(s NodeStatus) *NodeStatus { return &s }

// StringPtr returns a pointer to s, for building NodeUpdate literals.
func StringPtr(s string) *string { return &s }

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
