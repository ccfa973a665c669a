package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Types() []string {
	var out []string
	for _, e := range m.Events() {
		out = append(out, e.Type)
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func TestNodeFSM_RunLifecycle(t *testing.T) {
	app := &mockAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "n1", "r1", schema.NodeStatusIdle, schema.NodeStatusLoading, nil))
	require.NoError(t, fsm.Transition(ctx, "n1", "r1", schema.NodeStatusLoading, schema.NodeStatusSuccess, map[string]any{"ms": 3}))
	require.NoError(t, fsm.Transition(ctx, "n1", "r2", schema.NodeStatusSuccess, schema.NodeStatusLoading, nil))
	require.NoError(t, fsm.Transition(ctx, "n1", "r2", schema.NodeStatusLoading, schema.NodeStatusError, nil))
	require.NoError(t, fsm.Transition(ctx, "n1", "r3", schema.NodeStatusError, schema.NodeStatusLoading, nil))
	require.NoError(t, fsm.Transition(ctx, "n1", "r3", schema.NodeStatusLoading, schema.NodeStatusIdle, nil))
	require.NoError(t, fsm.Transition(ctx, "n1", "", schema.NodeStatusIdle, schema.NodeStatusError, nil))

	assert.Equal(t, []string{
		schema.EventRunStarted, schema.EventRunCompleted,
		schema.EventRunStarted, schema.EventRunFailed,
		schema.EventRunStarted, schema.EventRunCancelled,
		schema.EventRunRefused,
	}, app.Types())

	var payload map[string]any
	require.NoError(t, json.Unmarshal(app.Events()[1].Payload, &payload))
	assert.Equal(t, float64(3), payload["ms"])
	assert.Equal(t, "r1", app.Events()[1].RunID)
}

func TestNodeFSM_InvalidTransition(t *testing.T) {
	fsm := NewNodeFSM(&mockAppender{})
	err := fsm.Transition(context.Background(), "n1", "r1", schema.NodeStatusIdle, schema.NodeStatusSuccess, nil)
	require.Error(t, err)

	var sgErr *schema.SitegraphError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, sgErr.Code)
	assert.Equal(t, "n1", sgErr.NodeID)
	assert.Contains(t, sgErr.Message, "idle")

	err = fsm.Transition(context.Background(), "n1", "r1", schema.NodeStatusLoading, schema.NodeStatusLoading, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "second start while loading")
}

func TestRunFSM_TerminalStates(t *testing.T) {
	for _, s := range []schema.RunState{schema.RunStateComplete, schema.RunStateCancelled, schema.RunStateError} {
		assert.True(t, IsTerminalRunState(s), s)
	}
	for _, s := range []schema.RunState{schema.RunStatePreparing, schema.RunStateRunning, schema.RunStateAggregating} {
		assert.False(t, IsTerminalRunState(s), s)
		fsm := NewRunFSM(nil)
		assert.True(t, fsm.Valid(s, schema.RunStateCancelled))
		assert.True(t, fsm.Valid(s, schema.RunStateError))
	}
}

func TestRunFSM_HappyPathEmitsPhaseEvents(t *testing.T) {
	app := &mockAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	steps := []schema.RunState{schema.RunStatePreparing, schema.RunStateRunning, schema.RunStateAggregating, schema.RunStateComplete}
	for i := 1; i < len(steps); i++ {
		require.NoError(t, fsm.Transition(ctx, "n1", "r1", steps[i-1], steps[i], nil))
	}
	assert.Len(t, app.Events(), 3)
	for _, e := range app.Events() {
		assert.Equal(t, schema.EventPhaseChanged, e.Type)
	}

	err := fsm.Transition(ctx, "n1", "r1", schema.RunStateComplete, schema.RunStateRunning, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestFSM_Hooks(t *testing.T) {
	fsm := NewNodeFSM(nil)
	var calls []string
	fsm.OnBefore(schema.NodeStatusIdle, schema.NodeStatusLoading, func(nodeID, from, to string) error {
		calls = append(calls, "before:"+nodeID+":"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.NodeStatusIdle, schema.NodeStatusLoading, func(nodeID, from, to string) error {
		calls = append(calls, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "n1", "r1", schema.NodeStatusIdle, schema.NodeStatusLoading, nil))
	assert.Equal(t, []string{"before:n1:idle->loading", "after"}, calls)
}

func TestFSM_BeforeHookBlocks(t *testing.T) {
	app := &mockAppender{}
	fsm := NewNodeFSM(app)
	fsm.OnBefore(schema.NodeStatusIdle, schema.NodeStatusLoading, func(_, _, _ string) error {
		return errors.New("blocked")
	})
	err := fsm.Transition(context.Background(), "n1", "r1", schema.NodeStatusIdle, schema.NodeStatusLoading, nil)
	assert.EqualError(t, err, "blocked")
	assert.Empty(t, app.Events())
}

func TestFSM_AppenderFailure(t *testing.T) {
	fsm := NewNodeFSM(&failAppender{})
	err := fsm.Transition(context.Background(), "n1", "r1", schema.NodeStatusIdle, schema.NodeStatusLoading, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}
