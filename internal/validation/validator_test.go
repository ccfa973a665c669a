package validation

import (
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

// mockKinds knows "location" (no inputs), "research" (default port),
// "site-planner" (two named ports) and "output" (no output port).
type mockKinds struct{}

func (mockKinds) Known(k schema.NodeKind) bool {
	return slices.Contains([]schema.NodeKind{"location", "research", "site-planner", "output"}, k)
}

func (mockKinds) InputPorts(k schema.NodeKind) []string {
	switch k {
	case "research", "output":
		return []string{schema.DefaultPort}
	case "site-planner":
		return []string{"local-knowledge", "providers"}
	}
	return nil
}

func (mockKinds) HasOutput(k schema.NodeKind) bool { return k != "output" }

func newValidator(t *testing.T) *SnapshotValidator {
	t.Helper()
	sv, err := NewSnapshotValidator(mockKinds{})
	require.NoError(t, err)
	return sv
}

func conn(from, to, port string) schema.Connection {
	return schema.Connection{FromNodeID: from, FromPort: schema.OutputPort, ToNodeID: to, ToPort: port}
}

func issues(t *testing.T, err error) []schema.ValidationIssue {
	t.Helper()
	var sgErr *schema.SitegraphError
	require.True(t, errors.As(err, &sgErr))
	list, ok := sgErr.Details["errors"].([]schema.ValidationIssue)
	require.True(t, ok)
	return list
}

const validDoc = `{
  "version": 1,
  "name": "austin",
  "nodes": [
    {"id": "a", "type": "location", "position": {"x": 0, "y": 0}, "data": {"city": "Austin"}},
    {"id": "b", "type": "research", "position": {"x": 200, "y": 0}, "size": {"width": 240}}
  ],
  "connections": [
    {"fromNodeId": "a", "fromPort": "out", "toNodeId": "b", "toPort": "in"}
  ]
}`

func TestSnapshotValidator_DecodeValid(t *testing.T) {
	snap, warnings, err := newValidator(t).Decode([]byte(validDoc))
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "austin", snap.Name)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, schema.NodeKind("research"), snap.Nodes[1].Kind)
	assert.Equal(t, "Austin", snap.Nodes[0].Data["city"])
	assert.Equal(t, []schema.Connection{conn("a", "b", "in")}, snap.Connections)
}

func TestSnapshotValidator_StructuralShortCircuits(t *testing.T) {
	// Missing connections and an unknown kind: only the structural error is reported.
	doc := `{"version": 1, "nodes": [{"id": "a", "type": "spreadsheet", "position": {"x": 0, "y": 0}}]}`
	_, _, err := newValidator(t).Decode([]byte(doc))
	require.Error(t, err)
	assert.True(t, schema.IsValidation(err))

	list := issues(t, err)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Message, "connections")
}

func TestSnapshotValidator_SemanticErrorsAggregate(t *testing.T) {
	doc := `{
	  "version": 1,
	  "nodes": [
	    {"id": "a", "type": "location", "position": {"x": 0, "y": 0}},
	    {"id": "a", "type": "research", "position": {"x": 0, "y": 0}},
	    {"id": "c", "type": "spreadsheet", "position": {"x": 0, "y": 0}}
	  ],
	  "connections": [
	    {"fromNodeId": "a", "fromPort": "out", "toNodeId": "ghost", "toPort": "in"}
	  ]
	}`
	_, _, err := newValidator(t).Decode([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot document has 3 errors")
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestSnapshotValidator_NilSnapshot(t *testing.T) {
	result := newValidator(t).Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestSnapshotValidator_NilKindsSkipsKindChecks(t *testing.T) {
	sv, err := NewSnapshotValidator(nil)
	require.NoError(t, err)

	result := sv.Validate(&schema.Snapshot{
		Version:     schema.SnapshotVersion,
		Nodes:       []schema.SnapshotNode{{ID: "a", Kind: "spreadsheet"}, {ID: "b", Kind: "anything"}},
		Connections: []schema.Connection{conn("a", "b", "whatever")},
	})
	assert.True(t, result.Valid(), "%v", result.Errors)
}

func TestSnapshotValidator_CycleSkippedWhenSemanticFails(t *testing.T) {
	result := newValidator(t).Validate(&schema.Snapshot{
		Nodes: []schema.SnapshotNode{{ID: "a", Kind: "research"}, {ID: "b", Kind: "research"}},
		Connections: []schema.Connection{
			conn("a", "b", "in"),
			conn("b", "a", "bogus"),
		},
	})
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "connections[1].toPort", result.Errors[0].Path)
}

func TestSnapshotValidator_ConcurrentUse(t *testing.T) {
	sv := newValidator(t)
	done := make(chan error, 8)
	for range 8 {
		go func() {
			_, _, err := sv.Decode([]byte(validDoc))
			done <- err
		}()
	}
	for range 8 {
		assert.NoError(t, <-done)
	}
}
