package validation

import (
	"fmt"
	"slices"

	"github.com/rendis/sitegraph/pkg/schema"
)

// validateSemantic checks what the document schema cannot express: unique
// node ids, known kinds, connection endpoints and ports, and the single
// writer rule per input port.
func validateSemantic(snap *schema.Snapshot, kinds KindLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	byID := make(map[string]schema.NodeKind, len(snap.Nodes))
	for i, n := range snap.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		if n.ID == "" {
			result.AddError(path+".id", schema.ErrCodeValidation, "node id is empty")
			continue
		}
		if _, dup := byID[n.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
			continue
		}
		byID[n.ID] = n.Kind
		if kinds != nil && !kinds.Known(n.Kind) {
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown node type %q", n.Kind))
		}
	}

	writers := make(map[schema.InputKey]int, len(snap.Connections))
	for i, c := range snap.Connections {
		validateConnection(c, fmt.Sprintf("connections[%d]", i), byID, kinds, writers, i, result)
	}
	return result
}

func validateConnection(c schema.Connection, path string, byID map[string]schema.NodeKind, kinds KindLookup,
	writers map[schema.InputKey]int, index int, result *schema.ValidationResult) {
	from, fromOK := byID[c.FromNodeID]
	if !fromOK {
		result.AddError(path+".fromNodeId", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent node %q", c.FromNodeID))
	}
	to, toOK := byID[c.ToNodeID]
	if !toOK {
		result.AddError(path+".toNodeId", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent node %q", c.ToNodeID))
	}
	if c.FromNodeID == c.ToNodeID {
		result.AddError(path, schema.ErrCodeCycleDetected,
			fmt.Sprintf("node %q is connected to itself", c.FromNodeID))
	}
	if c.FromPort != schema.OutputPort {
		result.AddError(path+".fromPort", schema.ErrCodeValidation,
			fmt.Sprintf("unknown output port %q", c.FromPort))
	}

	if kinds != nil {
		if fromOK && kinds.Known(from) && !kinds.HasOutput(from) {
			result.AddError(path+".fromNodeId", schema.ErrCodeValidation,
				fmt.Sprintf("%s nodes have no output", from))
		}
		if toOK && kinds.Known(to) && !slices.Contains(kinds.InputPorts(to), c.ToPort) {
			result.AddError(path+".toPort", schema.ErrCodeValidation,
				fmt.Sprintf("%s nodes have no input port %q", to, c.ToPort))
		}
	}

	key := c.Target()
	if prev, taken := writers[key]; taken {
		result.AddError(path+".toPort", schema.ErrCodePortOccupied,
			fmt.Sprintf("port %q of node %q is already written by connections[%d]", c.ToPort, c.ToNodeID, prev))
		return
	}
	writers[key] = index
}
