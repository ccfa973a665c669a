package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/pkg/schema"
)

func categories(names ...string) func(*PhaseState) []Item {
	return func(*PhaseState) []Item {
		items := make([]Item, len(names))
		for i, n := range names {
			items[i] = Item{Key: n, Label: n, Value: n}
		}
		return items
	}
}

func categoryResults(_ context.Context, st *PhaseState) (map[string]any, error) {
	results := map[string]any{}
	for _, r := range st.Results(schema.PhaseResearching) {
		results[r.Item.Key] = r.Value
	}
	return map[string]any{"categoryResults": results, "skipped": st.Skipped("")}, nil
}

func pipelineOp(pl Pipeline) Operation {
	return func(ctx context.Context, rc *RunContext) (map[string]any, error) {
		return rc.RunPipeline(ctx, pl)
	}
}

func TestPhaseRunner_BestEffortBatch(t *testing.T) {
	f := newRunnerFixture(t, schema.KindResearch)
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name:       schema.PhaseResearching,
			Capability: "search",
			Items:      categories("plumbers", "electricians", "roofers"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				if item.Key == "electricians" {
					return ItemResult{}, errors.New("upstream returned 503")
				}
				return ItemResult{Value: map[string]any{"signals": 3}, CacheHit: item.Key == "roofers"}, nil
			},
		}},
		Aggregate: categoryResults,
	}))

	assert.Equal(t, "success", f.waitOutcome(t))
	n := f.node(t)
	assert.Equal(t, schema.NodeStatusSuccess, n.Status)
	assert.Empty(t, n.Error)

	results := n.Output["categoryResults"].(map[string]any)
	assert.Len(t, results, 2)
	assert.Contains(t, results, "plumbers")
	assert.Contains(t, results, "roofers")
	assert.NotContains(t, results, "electricians")

	skipped := n.Output["skipped"].([]ItemFailure)
	require.Len(t, skipped, 1)
	assert.Equal(t, "electricians", skipped[0].Item)

	require.NotNil(t, n.Progress)
	assert.Equal(t, schema.PhaseComplete, n.Progress.Phase)
	assert.Equal(t, 3, n.Progress.Completed)
	assert.Equal(t, 3, n.Progress.Total)
	assert.Equal(t, 1, n.Progress.Failed)
	assert.Equal(t, 1, n.Progress.CacheHits)
	assert.Contains(t, f.events.Types(), schema.EventItemFailed)
}

func TestPhaseRunner_ProgressIsMonotonic(t *testing.T) {
	f := newRunnerFixture(t, schema.KindResearch)
	var mu sync.Mutex
	var seen []schema.PhaseProgress
	f.runner.cfg.Hooks.OnProgress = func(_, _ string, p schema.PhaseProgress) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name:  schema.PhaseResearching,
			Items: categories("a", "b", "c", "d"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				return ItemResult{Value: item.Key}, nil
			},
		}},
	}))
	require.Equal(t, "success", f.waitOutcome(t))

	mu.Lock()
	defer mu.Unlock()
	last := -1
	for _, p := range seen {
		if p.Phase != schema.PhaseResearching {
			continue
		}
		assert.GreaterOrEqual(t, p.Completed, last)
		last = p.Completed
	}
	assert.Equal(t, 4, last)
}

func TestPhaseRunner_FatalItemAbortsRun(t *testing.T) {
	f := newRunnerFixture(t, schema.KindProviderDiscovery)
	var calls int32
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name:  schema.PhaseDiscovering,
			Items: categories("a", "b", "c"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				atomic.AddInt32(&calls, 1)
				if item.Key == "b" {
					return ItemResult{}, secrets.Unavailable(secrets.ProviderDiscovery)
				}
				return ItemResult{Value: item.Key}, nil
			},
		}},
	}))

	assert.Equal(t, "error", f.waitOutcome(t))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	n := f.node(t)
	assert.Equal(t, schema.NodeStatusError, n.Status)
	assert.Contains(t, n.Error, "key required")
}

func TestPhaseRunner_StopMidBatchKeepsPartial(t *testing.T) {
	f := newRunnerFixture(t, schema.KindScreenshotReplicator)
	blocked := make(chan struct{})
	var calls int32
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name:  schema.PhaseReplicating,
			Items: categories("header", "hero", "footer"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				atomic.AddInt32(&calls, 1)
				if item.Key == "hero" {
					close(blocked)
					<-ctx.Done()
					return ItemResult{}, ctx.Err()
				}
				return ItemResult{Value: "<section>" + item.Key + "</section>"}, nil
			},
		}},
		Partial: func(st *PhaseState) map[string]any {
			sections := map[string]any{}
			for _, r := range st.Results(schema.PhaseReplicating) {
				sections[r.Item.Key] = r.Value
			}
			return map[string]any{"sections": sections}
		},
	}))
	<-blocked

	require.True(t, f.runner.Stop())
	assert.Equal(t, "cancelled", f.waitOutcome(t))

	assert.Eventually(t, func() bool { return !f.runner.IsRunning() }, time.Second, 5*time.Millisecond)
	n := f.node(t)
	assert.Equal(t, schema.NodeStatusIdle, n.Status)
	assert.Empty(t, n.Error)
	assert.Equal(t, map[string]any{"sections": map[string]any{"header": "<section>header</section>"}}, n.Output)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPhaseRunner_DelayIsCancellable(t *testing.T) {
	f := newRunnerFixture(t, schema.KindProfileGenerator)
	first := make(chan struct{})
	returned := make(chan struct{})
	var calls int32
	pl := Pipeline{
		Delay: time.Hour,
		Phases: []PhaseSpec{{
			Name:  schema.PhaseGenerating,
			Items: categories("p1", "p2"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					close(first)
				}
				return ItemResult{Value: item.Key}, nil
			},
		}},
	}
	f.start(t, func(ctx context.Context, rc *RunContext) (map[string]any, error) {
		defer close(returned)
		return rc.RunPipeline(ctx, pl)
	})
	<-first

	require.True(t, f.runner.Stop())
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("delay was not interrupted by stop")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPhaseRunner_RetriesTransientItems(t *testing.T) {
	f := newRunnerFixture(t, schema.KindProviderEnrichment)
	var attempts int32
	f.start(t, pipelineOp(Pipeline{
		Retry: &schema.RetryPolicy{Max: 2, Backoff: "none"},
		Phases: []PhaseSpec{{
			Name:  schema.PhaseEnriching,
			Items: categories("acme"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				if atomic.AddInt32(&attempts, 1) == 1 {
					return ItemResult{}, schema.NewError(schema.ErrCodeRateLimited, "slow down")
				}
				return ItemResult{Value: "enriched"}, nil
			},
		}},
	}))

	assert.Equal(t, "success", f.waitOutcome(t))
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	n := f.node(t)
	assert.Equal(t, 0, n.Progress.Failed)
	assert.Equal(t, []any{"enriched"}, n.Output[string(schema.PhaseEnriching)])
	assert.Contains(t, f.events.Types(), schema.EventItemRetrying)
}

func TestPhaseRunner_OpenBreakerFailsItemsFast(t *testing.T) {
	f := newRunnerFixture(t, schema.KindResearch)
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, HalfOpenMax: 1})
	f.runner.cfg.Phases = NewPhaseRunner(PhaseRunnerConfig{Events: f.events, Breakers: breakers})

	var calls int32
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name:       schema.PhaseResearching,
			Capability: "search",
			Items:      categories("a", "b", "c", "d"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				atomic.AddInt32(&calls, 1)
				return ItemResult{}, schema.NewError(schema.ErrCodeProvider, "search down")
			},
		}},
		Aggregate: categoryResults,
	}))

	assert.Equal(t, "success", f.waitOutcome(t))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, CircuitOpen, breakers.GetState("search"))

	n := f.node(t)
	assert.Equal(t, 4, n.Progress.Failed)
	skipped := n.Output["skipped"].([]ItemFailure)
	require.Len(t, skipped, 4)
	assert.Equal(t, schema.ErrCodeCircuitOpen, skipped[3].Code)
}

func TestPhaseRunner_StepPhasesAndRanking(t *testing.T) {
	f := newRunnerFixture(t, schema.KindProviderDiscovery)
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{
			{
				Name: schema.PhaseDiscovering,
				Step: func(ctx context.Context, st *PhaseState) error {
					st.Values["providers"] = []map[string]any{
						{"name": "low", "rating": 3.1, "reviews": 10},
						{"name": "top", "rating": 4.9, "reviews": 200},
						{"name": "mid", "rating": 4.2, "reviews": 90},
					}
					return nil
				},
			},
		},
		Aggregate: func(ctx context.Context, st *PhaseState) (map[string]any, error) {
			ranked, err := st.RankTopN(ctx, "rating * 10 + reviews / 100", st.Values["providers"].([]map[string]any), 2)
			if err != nil {
				return nil, err
			}
			return map[string]any{"providers": ranked}, nil
		},
	}))

	assert.Equal(t, "success", f.waitOutcome(t))
	ranked := f.node(t).Output["providers"].([]map[string]any)
	require.Len(t, ranked, 2)
	assert.Equal(t, "top", ranked[0]["name"])
	assert.Equal(t, "mid", ranked[1]["name"])
}

func TestPhaseRunner_StepFailureIsRunError(t *testing.T) {
	f := newRunnerFixture(t, schema.KindSitePlanner)
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name: schema.PhasePlanning,
			Step: func(ctx context.Context, st *PhaseState) error {
				return schema.NewError(schema.ErrCodeProvider, "planner returned invalid JSON")
			},
		}},
	}))
	assert.Equal(t, "error", f.waitOutcome(t))
	assert.Equal(t, "planner returned invalid JSON", f.node(t).Error)
}

func TestPhaseRunner_RunStateEvents(t *testing.T) {
	f := newRunnerFixture(t, schema.KindEditorialContent)
	f.start(t, pipelineOp(Pipeline{
		Phases: []PhaseSpec{{
			Name:  schema.PhaseGenerating,
			Items: categories("intro"),
			Do: func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error) {
				return ItemResult{Value: "text", Bytes: 4}, nil
			},
		}},
	}))
	require.Equal(t, "success", f.waitOutcome(t))

	var states []string
	for _, e := range f.events.Events() {
		if e.Type != schema.EventPhaseChanged {
			continue
		}
		var p struct {
			To string `json:"to"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if p.To != "" {
			states = append(states, p.To)
		}
	}
	assert.Equal(t, []string{"running", "aggregating", "complete"}, states)
	assert.Equal(t, int64(4), f.node(t).Progress.BytesGenerated)
}
