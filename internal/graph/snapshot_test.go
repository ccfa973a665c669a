package graph

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

func buildChain(t *testing.T) (*Graph, []string) {
	t.Helper()
	g := newTestGraph()
	a := mustAdd(t, g, schema.KindLocation)
	b := mustAdd(t, g, schema.KindLLM)
	c := mustAdd(t, g, schema.KindOutput)
	require.NoError(t, g.Connect(conn(a, b, schema.DefaultPort)))
	require.NoError(t, g.Connect(conn(b, c, schema.DefaultPort)))
	_, err := g.UpdateNode(b, schema.NodeUpdate{Output: map[string]any{"text": "done"}})
	require.NoError(t, err)
	return g, []string{a, b, c}
}

func TestSnapshotReplace_RoundTrip(t *testing.T) {
	g, _ := buildChain(t)
	snap := g.Snapshot("demo")
	assert.Equal(t, schema.SnapshotVersion, snap.Version)
	assert.Equal(t, "demo", snap.Name)

	other := newTestGraph()
	require.NoError(t, other.Replace(snap))

	again := other.Snapshot("demo")
	if diff := cmp.Diff(snap.Nodes, again.Nodes); diff != "" {
		t.Errorf("nodes differ (-want +got):\n%s", diff)
	}
	assert.Equal(t, snap.Connections, again.Connections)

	b, ok := other.Node(snap.Nodes[1].ID)
	require.True(t, ok)
	assert.Equal(t, schema.NodeStatusSuccess, b.Status, "loaded node with output")
}

func TestReplace_InvalidLeavesGraphUnchanged(t *testing.T) {
	g, ids := buildChain(t)
	before := g.Snapshot("")
	rev := g.Revision()

	bad := schema.Snapshot{
		Version: 1,
		Nodes: []schema.SnapshotNode{
			{ID: "x", Kind: schema.KindLLM},
			{ID: "y", Kind: schema.KindLLM},
		},
		Connections: []schema.Connection{
			conn("x", "y", schema.DefaultPort),
			conn("y", "x", schema.DefaultPort),
		},
	}
	err := g.Replace(bad)
	assertCode(t, err, schema.ErrCodeCycleDetected)

	after := g.Snapshot("")
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Connections, after.Connections)
	assert.Equal(t, rev, g.Revision())
	_, ok := g.Node(ids[0])
	assert.True(t, ok)
}

func TestMerge_AddsAlongsideExisting(t *testing.T) {
	g, ids := buildChain(t)

	err := g.Merge(schema.Snapshot{
		Version: 1,
		Nodes:   []schema.SnapshotNode{{ID: "m1", Kind: schema.KindLLM}},
		Connections: []schema.Connection{
			conn(ids[1], "m1", schema.DefaultPort),
		},
	})
	require.NoError(t, err)
	assert.Len(t, g.Nodes(), 4)
	assert.Len(t, g.Connections(), 3)

	err = g.Merge(schema.Snapshot{Version: 1, Nodes: []schema.SnapshotNode{{ID: ids[0], Kind: schema.KindLLM}}})
	assertCode(t, err, schema.ErrCodeValidation)
	assert.Len(t, g.Nodes(), 4)
}

func TestMerge_EmitsAdditions(t *testing.T) {
	g, ids := buildChain(t)
	var got []string
	g.Subscribe(func(c Change) { got = append(got, c.Type+":"+c.NodeID) })

	require.NoError(t, g.Merge(schema.Snapshot{
		Version:     1,
		Nodes:       []schema.SnapshotNode{{ID: "m1", Kind: schema.KindLLM}, {ID: "m2", Kind: schema.KindOutput}},
		Connections: []schema.Connection{conn("m1", "m2", ""), conn(ids[1], "m1", "")},
	}))
	assert.Equal(t, []string{
		schema.EventNodeAdded + ":m1",
		schema.EventNodeAdded + ":m2",
		schema.EventConnectionAdded + ":m2",
		schema.EventConnectionAdded + ":m1",
	}, got)

	in, ok := g.Incoming("m1", schema.DefaultPort)
	require.True(t, ok)
	assert.Equal(t, ids[1], in.FromNodeID)
}

func TestMerge_KeepsConcurrentWrites(t *testing.T) {
	g, ids := buildChain(t)
	const rounds = 50

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range rounds {
			_ = g.Merge(schema.Snapshot{Version: 1, Nodes: []schema.SnapshotNode{{ID: fmt.Sprintf("m%d", i), Kind: schema.KindLLM}}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := range rounds {
			_, err := g.UpdateNode(ids[1], schema.NodeUpdate{Output: map[string]any{"seq": i}})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	n, ok := g.Node(ids[1])
	require.True(t, ok)
	assert.Equal(t, rounds-1, n.Output["seq"])
	assert.Len(t, g.Nodes(), 3+rounds)
}

func TestReplace_EmitsGraphReplaced(t *testing.T) {
	g, _ := buildChain(t)
	var got []string
	g.Subscribe(func(c Change) { got = append(got, c.Type) })

	require.NoError(t, g.Replace(schema.Snapshot{Version: 1}))
	assert.Equal(t, []string{schema.EventGraphReplaced}, got)
	assert.Empty(t, g.Nodes())
}

func TestKahnOrder(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	conns := []schema.Connection{
		conn("a", "b", "in"),
		conn("a", "c", "in"),
		conn("b", "d", "x"),
		conn("c", "d", "y"),
	}
	order, err := KahnOrder(ids, conns)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)

	_, err = KahnOrder([]string{"a", "b"}, []schema.Connection{conn("a", "b", "in"), conn("b", "a", "in")})
	assertCode(t, err, schema.ErrCodeCycleDetected)
}
