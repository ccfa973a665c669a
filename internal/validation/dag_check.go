package validation

import (
	"fmt"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/pkg/schema"
)

// validateDAG rejects documents whose connections form a cycle (Kahn's
// algorithm) and warns about nodes without any connection.
func validateDAG(snap *schema.Snapshot) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make([]string, 0, len(snap.Nodes))
	for _, n := range snap.Nodes {
		ids = append(ids, n.ID)
	}
	if _, err := graph.KahnOrder(ids, snap.Connections); err != nil {
		result.AddError("connections", schema.ErrCodeCycleDetected, "graph contains a connection cycle")
		return result
	}

	if len(snap.Nodes) < 2 {
		return result
	}
	linked := make(map[string]bool, len(ids))
	for _, c := range snap.Connections {
		linked[c.FromNodeID] = true
		linked[c.ToNodeID] = true
	}
	for i, n := range snap.Nodes {
		if !linked[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not connected to any other node", n.ID))
		}
	}
	return result
}
