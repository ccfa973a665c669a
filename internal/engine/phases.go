package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/rendis/sitegraph/internal/expressions"
	"github.com/rendis/sitegraph/internal/metrics"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Item is one unit of work inside an iterating phase.
type Item struct {
	Key   string
	Label string
	Value any
}

// ItemResult is what a successful item produced plus its counters.
type ItemResult struct {
	Value    any
	CacheHit bool
	Bytes    int64
	Assets   int
}

// Result pairs an item with the value it produced.
type Result struct {
	Item  Item
	Value any
}

// ItemFailure is an entry of a run's skip-list.
type ItemFailure struct {
	Phase schema.Phase `json:"phase"`
	Item  string       `json:"item"`
	Error string       `json:"error"`
	Code  string       `json:"code,omitempty"`
}

// PhaseSpec is one phase of a Pipeline. A phase either iterates the items
// returned by Items, calling Do for each, or calls Step once.
type PhaseSpec struct {
	Name schema.Phase
	// Capability names the circuit breaker guarding Do and Step. Empty
	// disables the breaker for this phase.
	Capability string
	Items      func(st *PhaseState) []Item
	Do         func(ctx context.Context, st *PhaseState, item Item) (ItemResult, error)
	Step       func(ctx context.Context, st *PhaseState) error
}

// Pipeline is an ordered list of phases plus the batch policy.
type Pipeline struct {
	Phases []PhaseSpec
	// Delay is waited between two items of the same phase.
	Delay time.Duration
	Retry *schema.RetryPolicy
	// Aggregate builds the run output once every phase has completed.
	Aggregate func(ctx context.Context, st *PhaseState) (map[string]any, error)
	// Partial, when set, is merged into the node output after every item so
	// a stop or a failure keeps what was produced so far.
	Partial func(st *PhaseState) map[string]any
}

// PhaseState is the mutable state of one pipeline execution. Phases read
// earlier phases' results from it and may stash values in Values.
type PhaseState struct {
	Run      *RunContext
	Progress schema.PhaseProgress
	Failures []ItemFailure
	Values   map[string]any

	results map[schema.Phase][]Result
	ranker  *expressions.ExprEngine
}

// Results returns the successful results of phase in item order.
func (s *PhaseState) Results(phase schema.Phase) []Result {
	return s.results[phase]
}

// Skipped returns the skip-list entries of phase; an empty phase returns all.
func (s *PhaseState) Skipped(phase schema.Phase) []ItemFailure {
	if phase == "" {
		return s.Failures
	}
	var out []ItemFailure
	for _, f := range s.Failures {
		if f.Phase == phase {
			out = append(out, f)
		}
	}
	return out
}

// RankTopN orders items by the numeric expr expression, highest first, and
// keeps n of them.
func (s *PhaseState) RankTopN(ctx context.Context, expression string, items []map[string]any, n int) ([]map[string]any, error) {
	return s.ranker.TopN(ctx, expression, items, n)
}

// PhaseRunnerConfig configures a PhaseRunner.
type PhaseRunnerConfig struct {
	Events   EventAppender
	Breakers *CircuitBreakerRegistry
	FSM      *FSM[schema.RunState]
	Logger   *slog.Logger
}

// PhaseRunner executes Pipelines for node runs. Items run one at a time in
// order; a failed item is logged and skipped unless its error is fatal.
type PhaseRunner struct {
	breakers *CircuitBreakerRegistry
	fsm      *FSM[schema.RunState]
	logger   *slog.Logger
	ranker   *expressions.ExprEngine
}

// NewPhaseRunner creates a PhaseRunner.
func NewPhaseRunner(cfg PhaseRunnerConfig) *PhaseRunner {
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	}
	if cfg.FSM == nil {
		cfg.FSM = NewRunFSM(cfg.Events)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PhaseRunner{
		breakers: cfg.Breakers,
		fsm:      cfg.FSM,
		logger:   cfg.Logger,
		ranker:   expressions.NewExprEngine(),
	}
}

// Breakers returns the shared circuit breaker registry.
func (p *PhaseRunner) Breakers() *CircuitBreakerRegistry { return p.breakers }

// execution tracks the run state machine of one Run call.
type execution struct {
	p     *PhaseRunner
	rc    *RunContext
	state schema.RunState
}

func (x *execution) move(ctx context.Context, to schema.RunState) {
	if x.state == to {
		return
	}
	if err := x.p.fsm.Transition(context.WithoutCancel(ctx), x.rc.NodeID, x.rc.RunID, x.state, to,
		map[string]any{"from": x.state, "to": to}); err != nil && !schema.HasCode(err, schema.ErrCodeStore) {
		x.rc.Logger.Warn("run state transition", "from", x.state, "to", to, "error", err)
		return
	}
	x.state = to
}

func (x *execution) cancelled(ctx context.Context) error {
	x.move(ctx, schema.RunStateCancelled)
	if err := ctx.Err(); err != nil {
		return err
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
}

func (x *execution) failed(ctx context.Context, err error) error {
	if schema.IsCancellation(err) || x.rc.Cancelled() {
		return x.cancelled(ctx)
	}
	x.move(ctx, schema.RunStateError)
	return err
}

// Run executes pl on behalf of rc. A cancelled run returns a cancellation
// error and never an item failure. Fatal item errors abort the run.
func (p *PhaseRunner) Run(ctx context.Context, rc *RunContext, pl Pipeline) (map[string]any, error) {
	x := &execution{p: p, rc: rc, state: schema.RunStatePreparing}
	st := &PhaseState{
		Run:      rc,
		Progress: *schema.InitialProgress(),
		Values:   map[string]any{},
		results:  map[schema.Phase][]Result{},
		ranker:   p.ranker,
	}

	if rc.Cancelled() {
		return nil, x.cancelled(ctx)
	}
	x.move(ctx, schema.RunStateRunning)

	for _, phase := range pl.Phases {
		if rc.Cancelled() {
			return nil, x.cancelled(ctx)
		}
		var err error
		if phase.Items != nil {
			err = p.iterate(ctx, x, st, pl, phase)
		} else {
			err = p.step(ctx, x, st, pl, phase)
		}
		if err != nil {
			return nil, x.failed(ctx, err)
		}
	}

	if rc.Cancelled() {
		return nil, x.cancelled(ctx)
	}
	x.move(ctx, schema.RunStateAggregating)
	st.Progress.Phase = schema.PhaseAggregating
	st.Progress.CurrentItem = ""
	rc.Progress(st.Progress)

	output, err := p.aggregate(ctx, st, pl)
	if err != nil {
		return nil, x.failed(ctx, err)
	}
	x.move(ctx, schema.RunStateComplete)
	return output, nil
}

func (p *PhaseRunner) aggregate(ctx context.Context, st *PhaseState, pl Pipeline) (map[string]any, error) {
	if pl.Aggregate != nil {
		return pl.Aggregate(ctx, st)
	}
	if pl.Partial != nil {
		return pl.Partial(st), nil
	}
	out := map[string]any{}
	for phase, results := range st.results {
		values := make([]any, len(results))
		for i, r := range results {
			values[i] = r.Value
		}
		out[string(phase)] = values
	}
	if len(st.Failures) > 0 {
		out["skipped"] = st.Failures
	}
	return out, nil
}

func (p *PhaseRunner) enter(x *execution, st *PhaseState, phase schema.Phase, total int) {
	st.Progress.Phase = phase
	st.Progress.CurrentItem = ""
	st.Progress.Completed = 0
	st.Progress.Total = total
	x.rc.Record(schema.EventPhaseChanged, map[string]any{"phase": phase, "total": total})
	x.rc.Progress(st.Progress)
}

func (p *PhaseRunner) step(ctx context.Context, x *execution, st *PhaseState, pl Pipeline, phase PhaseSpec) error {
	p.enter(x, st, phase.Name, 1)
	if phase.Step == nil {
		st.Progress.Completed = 1
		x.rc.Progress(st.Progress)
		return nil
	}
	_, err := Retry(ctx, pl.Retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.guard(phase.Capability, func() error { return phase.Step(ctx, st) })
	}, p.onRetry(x, phase.Name, string(phase.Name)))
	if err != nil {
		return err
	}
	if x.rc.Cancelled() {
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
	}
	st.Progress.Completed = 1
	x.rc.Progress(st.Progress)
	if pl.Partial != nil {
		x.rc.PatchOutput(pl.Partial(st))
	}
	return nil
}

func (p *PhaseRunner) iterate(ctx context.Context, x *execution, st *PhaseState, pl Pipeline, phase PhaseSpec) error {
	items := phase.Items(st)
	p.enter(x, st, phase.Name, len(items))

	for i, item := range items {
		if x.rc.Cancelled() {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		}
		if i > 0 && pl.Delay > 0 {
			if err := WaitForBackoff(ctx, pl.Delay); err != nil {
				return err
			}
			if x.rc.Cancelled() {
				return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
			}
		}
		label := item.Label
		if label == "" {
			label = item.Key
		}
		st.Progress.CurrentItem = label

		res, err := Retry(ctx, pl.Retry, func(ctx context.Context) (ItemResult, error) {
			var r ItemResult
			err := p.guard(phase.Capability, func() error {
				var doErr error
				r, doErr = phase.Do(ctx, st, item)
				return doErr
			})
			return r, err
		}, p.onRetry(x, phase.Name, label))

		// A result arriving after a stop is dropped.
		if x.rc.Cancelled() {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled")
		}
		switch {
		case err == nil:
			st.results[phase.Name] = append(st.results[phase.Name], Result{Item: item, Value: res.Value})
			if res.CacheHit {
				st.Progress.CacheHits++
				metrics.CacheHit()
			}
			st.Progress.BytesGenerated += res.Bytes
			st.Progress.AssetsGenerated += res.Assets
			metrics.Item(string(phase.Name), metrics.OutcomeSuccess)
		case schema.IsCancellation(err):
			return err
		case schema.IsFatal(err):
			metrics.Item(string(phase.Name), metrics.OutcomeError)
			return err
		default:
			p.skip(x, st, phase.Name, label, err)
		}

		st.Progress.Completed++
		x.rc.Progress(st.Progress)
		if pl.Partial != nil {
			x.rc.PatchOutput(pl.Partial(st))
		}
	}
	st.Progress.CurrentItem = ""
	return nil
}

func (p *PhaseRunner) skip(x *execution, st *PhaseState, phase schema.Phase, label string, err error) {
	failure := ItemFailure{Phase: phase, Item: label, Error: ErrorMessage(err)}
	var sgErr *schema.SitegraphError
	if errors.As(err, &sgErr) {
		failure.Code = sgErr.Code
	}
	st.Failures = append(st.Failures, failure)
	st.Progress.Failed++
	x.rc.Logger.Warn("item failed", "item", label, "phase", phase, "error", err)
	x.rc.Record(schema.EventItemFailed, failure)
	metrics.Item(string(phase), metrics.OutcomeError)
}

func (p *PhaseRunner) onRetry(x *execution, phase schema.Phase, label string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		x.rc.Logger.Info("retrying item", "item", label, "phase", phase, "attempt", attempt, "delay", delay, "error", err)
		x.rc.Record(schema.EventItemRetrying, map[string]any{
			"phase":    phase,
			"item":     label,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    ErrorMessage(err),
		})
		metrics.ItemRetry(string(phase))
	}
}

// guard runs fn behind the capability's circuit breaker. Only transient
// provider failures count against the breaker.
func (p *PhaseRunner) guard(capability string, fn func() error) error {
	if capability == "" {
		return fn()
	}
	if err := p.breakers.AllowRequest(capability); err != nil {
		return err
	}
	err := fn()
	switch {
	case err == nil:
		p.breakers.RecordSuccess(capability)
	case schema.IsCancellation(err), schema.IsValidation(err):
	case schema.IsTransient(err) || schema.IsFatal(err):
		if p.breakers.RecordFailure(capability) == CircuitOpen {
			p.logger.Warn("circuit breaker open", "capability", capability)
		}
	}
	return err
}
