package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/pkg/schema"
)

// fakeSpecs runs ops registered per kind; llm needs the llm credential.
type fakeSpecs struct {
	ops map[schema.NodeKind]Operation
}

func (f *fakeSpecs) RunSpec(node *schema.Node) (RunSpec, error) {
	op, ok := f.ops[node.Kind]
	if !ok {
		return RunSpec{}, schema.NewErrorf(schema.ErrCodeValidation, "%s nodes cannot be run", node.Kind)
	}
	return RunSpec{Kind: node.Kind, Op: op}, nil
}

func (f *fakeSpecs) Providers(kind schema.NodeKind) []string {
	if kind == schema.KindLLM {
		return []string{secrets.ProviderLLM}
	}
	return nil
}

type fakeCreds map[string]bool

func (c fakeCreds) Require(_ context.Context, providers ...string) error {
	for _, p := range providers {
		if !c[p] {
			return secrets.Unavailable(p)
		}
	}
	return nil
}

type controllerFixture struct {
	g      *graph.Graph
	ctrl   *Controller
	log    *mockAppender
	hub    *streaming.MemoryHub
	events <-chan streaming.StreamEvent
}

func newControllerFixture(t *testing.T, creds fakeCreds, ops map[schema.NodeKind]Operation) *controllerFixture {
	t.Helper()
	g := graph.New(engineCatalog{})
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{})
	require.NoError(t, err)
	t.Cleanup(cancel)

	f := &controllerFixture{g: g, log: &mockAppender{}, hub: hub, events: ch}
	f.ctrl = NewController(ControllerConfig{
		Graph:       g,
		Specs:       &fakeSpecs{ops: ops},
		Credentials: creds,
		Events:      f.log,
		Hub:         hub,
		PoolSize:    2,
	})
	t.Cleanup(func() {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = f.ctrl.Shutdown(ctx)
	})
	return f
}

func (f *controllerFixture) add(t *testing.T, kind schema.NodeKind) string {
	t.Helper()
	n, err := f.g.AddNode(kind, nil, schema.Position{})
	require.NoError(t, err)
	return n.ID
}

func (f *controllerFixture) awaitEvent(t *testing.T, eventType string) streaming.StreamEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-f.events:
			if e.EventType == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", eventType)
			return streaming.StreamEvent{}
		}
	}
}

func TestController_RunPublishesLifecycle(t *testing.T) {
	f := newControllerFixture(t, fakeCreds{secrets.ProviderLLM: true}, map[schema.NodeKind]Operation{
		schema.KindLLM: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			return map[string]any{"text": "hi"}, nil
		},
	})
	id := f.add(t, schema.KindLLM)

	started, err := f.ctrl.Run(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, started)

	assert.Equal(t, id, f.awaitEvent(t, schema.EventRunStarted).NodeID)
	f.awaitEvent(t, schema.EventRunCompleted)
	require.NoError(t, f.ctrl.Wait(context.Background(), id))

	n, _ := f.g.Node(id)
	assert.Equal(t, schema.NodeStatusSuccess, n.Status)
	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, f.log.Types())
}

func TestController_MissingCredentialRefusesRun(t *testing.T) {
	ran := false
	f := newControllerFixture(t, fakeCreds{}, map[schema.NodeKind]Operation{
		schema.KindLLM: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			ran = true
			return nil, nil
		},
	})
	id := f.add(t, schema.KindLLM)

	started, err := f.ctrl.Run(context.Background(), id)
	require.Error(t, err)
	assert.False(t, started)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCapabilityUnavailable))
	assert.False(t, ran)

	n, _ := f.g.Node(id)
	assert.Equal(t, schema.NodeStatusError, n.Status)
	assert.Equal(t, "LLM key required — add it in Settings", n.Error)
	f.awaitEvent(t, schema.EventRunRefused)
}

func TestController_NilCredentialsRefuse(t *testing.T) {
	f := newControllerFixture(t, nil, map[schema.NodeKind]Operation{
		schema.KindLLM: func(ctx context.Context, rc *RunContext) (map[string]any, error) { return nil, nil },
	})
	f.ctrl.cfg.Credentials = nil
	id := f.add(t, schema.KindLLM)
	_, err := f.ctrl.Run(context.Background(), id)
	assert.True(t, schema.IsFatal(err))
}

func TestController_SecondRunIsNoop(t *testing.T) {
	release := make(chan struct{})
	f := newControllerFixture(t, nil, map[schema.NodeKind]Operation{
		schema.KindResearch: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			<-release
			return map[string]any{}, nil
		},
	})
	id := f.add(t, schema.KindResearch)

	started, err := f.ctrl.Run(context.Background(), id)
	require.NoError(t, err)
	require.True(t, started)
	assert.True(t, f.ctrl.IsRunning(id))
	assert.Equal(t, []string{id}, f.ctrl.Running())

	started, err = f.ctrl.Run(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, started)

	close(release)
	require.NoError(t, f.ctrl.Wait(context.Background(), id))
	assert.Eventually(t, func() bool { return !f.ctrl.IsRunning(id) }, time.Second, 5*time.Millisecond)
}

func TestController_UnrunnableKind(t *testing.T) {
	f := newControllerFixture(t, nil, nil)
	id := f.add(t, schema.KindOutput)
	_, err := f.ctrl.Run(context.Background(), id)
	assert.True(t, schema.IsValidation(err))

	_, err = f.ctrl.Run(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestController_DeleteNodeStopsRun(t *testing.T) {
	entered := make(chan struct{})
	f := newControllerFixture(t, nil, map[schema.NodeKind]Operation{
		schema.KindCodeGeneration: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	id := f.add(t, schema.KindCodeGeneration)
	_, err := f.ctrl.Run(context.Background(), id)
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.g.DeleteNode(id))
	assert.False(t, f.ctrl.IsRunning(id))
	assert.Empty(t, f.ctrl.Running())
}

func TestController_ReplaceAbandonsRunsOfSurvivingIDs(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newControllerFixture(t, nil, map[schema.NodeKind]Operation{
		schema.KindCodeGeneration: func(ctx context.Context, rc *RunContext) (map[string]any, error) {
			close(entered)
			<-release
			return map[string]any{"text": "from old graph run"}, nil
		},
	})
	id := f.add(t, schema.KindCodeGeneration)
	_, err := f.ctrl.Run(context.Background(), id)
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.g.Replace(schema.Snapshot{
		Version: schema.SnapshotVersion,
		Nodes: []schema.SnapshotNode{{
			ID: id, Kind: schema.KindCodeGeneration, Output: map[string]any{"text": "loaded project"},
		}},
	}))
	assert.False(t, f.ctrl.IsRunning(id))
	n, _ := f.g.Node(id)
	assert.Equal(t, schema.NodeStatusSuccess, n.Status)
	assert.Equal(t, "loaded project", n.Output["text"])

	close(release)
	assert.Eventually(t, func() bool { return f.ctrl.PoolMetrics().Active == 0 }, 2*time.Second, 5*time.Millisecond)
	n, _ = f.g.Node(id)
	assert.Equal(t, schema.NodeStatusSuccess, n.Status)
	assert.Equal(t, "loaded project", n.Output["text"])
}

func TestController_StopAllAndShutdown(t *testing.T) {
	op := func(ctx context.Context, rc *RunContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newControllerFixture(t, nil, map[schema.NodeKind]Operation{
		schema.KindImageGen:         op,
		schema.KindEditorialContent: op,
	})
	a := f.add(t, schema.KindImageGen)
	b := f.add(t, schema.KindEditorialContent)
	for _, id := range []string{a, b} {
		started, err := f.ctrl.Run(context.Background(), id)
		require.NoError(t, err)
		require.True(t, started)
	}

	assert.Equal(t, 2, f.ctrl.StopAll())
	assert.False(t, f.ctrl.Stop(a), "already stopped")
	for _, id := range []string{a, b} {
		n, _ := f.g.Node(id)
		assert.Equal(t, schema.NodeStatusIdle, n.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.ctrl.Shutdown(ctx))
	assert.Equal(t, int64(0), f.ctrl.PoolMetrics().Active)
}

func TestController_BreakerEventsArePublished(t *testing.T) {
	f := newControllerFixture(t, nil, nil)
	breakers := f.ctrl.Breakers()
	for i := 0; i < DefaultCircuitBreakerConfig().FailureThreshold; i++ {
		breakers.RecordFailure("search")
	}
	e := f.awaitEvent(t, schema.EventCircuitBreakerOpen)
	assert.Contains(t, string(e.Payload.(json.RawMessage)), `"capability":"search"`)
}
