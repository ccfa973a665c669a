package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/logging"
	"github.com/rendis/sitegraph/internal/metrics"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/pkg/schema"
)

// ErrAlreadyRunning reports that a node already has an active run. Start
// itself never returns it; callers use it to describe the no-op.
var ErrAlreadyRunning = errors.New("node is already running")

// Operation is the work performed by one node run. It returns the run's
// output. Partial results that may or may not be usable are reported with
// a *PartialError.
type Operation func(ctx context.Context, rc *RunContext) (map[string]any, error)

// PartialError carries output produced alongside a non-fatal problem.
type PartialError struct {
	Output map[string]any
	Err    error
}

func (e *PartialError) Error() string { return e.Err.Error() }
func (e *PartialError) Unwrap() error { return e.Err }

// RunSpec describes a run request.
type RunSpec struct {
	Kind schema.NodeKind
	Op   Operation
	// Require is checked before the run starts. An error refuses the run
	// and puts the node in error status with that message.
	Require func(ctx context.Context) error
	// Usable decides whether a partial result counts as success.
	Usable func(ctx context.Context, output map[string]any) (bool, error)
}

// Hooks observe run lifecycle. All fields are optional.
type Hooks struct {
	OnStart    func(nodeID, runID string, kind schema.NodeKind)
	OnProgress func(nodeID, runID string, p schema.PhaseProgress)
	OnFinish   func(nodeID, runID string, kind schema.NodeKind, outcome string, elapsed time.Duration)
}

// RunnerConfig holds the dependencies shared by every TaskRunner. Only
// Graph is required. Without a Pool each run gets a plain goroutine; without
// Events nothing is written to the run log.
type RunnerConfig struct {
	Graph  *graph.Graph
	Pool   *WorkerPool
	FSM    *FSM[schema.NodeStatus]
	Events EventAppender
	Phases *PhaseRunner
	Logger *slog.Logger
	Hooks  Hooks
	NewID  func() string
}

func (c *RunnerConfig) defaults() {
	if c.FSM == nil {
		c.FSM = NewNodeFSM(c.Events)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Phases == nil {
		c.Phases = NewPhaseRunner(PhaseRunnerConfig{Events: c.Events, Logger: c.Logger})
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
}

// TaskHandle is the ephemeral state of one in-flight run.
type TaskHandle struct {
	RunID     string
	Kind      schema.NodeKind
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	cancelled bool
	finished  bool
}

// Done is closed once the run's operation has returned.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// TaskRunner gives one node a start/stop/progress contract. At most one run
// is active at a time. Once a run is stopped or finished, anything its
// operation still reports is discarded.
type TaskRunner struct {
	nodeID string
	cfg    *RunnerConfig

	mu     sync.Mutex
	active *TaskHandle
}

// NewTaskRunner creates a runner for nodeID.
func NewTaskRunner(nodeID string, cfg *RunnerConfig) *TaskRunner {
	cfg.defaults()
	return &TaskRunner{nodeID: nodeID, cfg: cfg}
}

// NodeID returns the node this runner drives.
func (r *TaskRunner) NodeID() string { return r.nodeID }

// Active returns the in-flight handle, or nil.
func (r *TaskRunner) Active() *TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// IsRunning reports whether a run is in flight.
func (r *TaskRunner) IsRunning() bool {
	return r.Active() != nil
}

// Start begins a run. It returns false without error when a run is already
// active. When spec.Require fails the node is set to error with that
// message and the error is returned; no run is started.
func (r *TaskRunner) Start(ctx context.Context, spec RunSpec) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return false, nil
	}
	node, ok := r.cfg.Graph.Node(r.nodeID)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", r.nodeID)
	}
	if spec.Kind == "" {
		spec.Kind = node.Kind
	}
	from := node.Status
	if from == schema.NodeStatusLoading {
		// Left over from a run this process does not own.
		from = schema.NodeStatusIdle
	}

	if spec.Require != nil {
		if err := spec.Require(ctx); err != nil {
			r.refuse(ctx, from, spec.Kind, err)
			return false, err
		}
	}

	runID := r.cfg.NewID()
	if err := r.cfg.FSM.Transition(ctx, r.nodeID, runID, from, schema.NodeStatusLoading,
		map[string]any{"kind": spec.Kind}); err != nil && !schema.HasCode(err, schema.ErrCodeStore) {
		return false, err
	}

	if _, err := r.cfg.Graph.UpdateNode(r.nodeID, schema.NodeUpdate{
		Status:   schema.StatusPtr(schema.NodeStatusLoading),
		Error:    schema.StringPtr(""),
		Warning:  schema.StringPtr(""),
		Progress: schema.InitialProgress(),
	}); err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	runCtx = logging.WithRun(runCtx, r.nodeID, runID, string(spec.Kind))
	h := &TaskHandle{
		RunID:     runID,
		Kind:      spec.Kind,
		StartedAt: time.Now(),
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.active = h

	rc := &RunContext{
		NodeID: r.nodeID,
		RunID:  runID,
		Kind:   spec.Kind,
		Inputs: node.Inputs,
		Data:   node.Data,
		Prior:  node.Output,
		Logger: logging.LogWith(runCtx, r.cfg.Logger),
		h:      h,
		r:      r,
	}
	rc.Logger.Info("run started")
	metrics.RunStarted()
	if r.cfg.Hooks.OnStart != nil {
		r.cfg.Hooks.OnStart(r.nodeID, runID, spec.Kind)
	}

	go r.launch(h, spec, rc)
	return true, nil
}

func (r *TaskRunner) refuse(ctx context.Context, from schema.NodeStatus, kind schema.NodeKind, cause error) {
	msg := ErrorMessage(cause)
	if err := r.cfg.FSM.Transition(ctx, r.nodeID, "", from, schema.NodeStatusError,
		map[string]any{"message": msg}); err != nil && !schema.HasCode(err, schema.ErrCodeStore) {
		r.cfg.Logger.Warn("refuse transition rejected", "node_id", r.nodeID, "error", err)
	}
	if _, err := r.cfg.Graph.UpdateNode(r.nodeID, schema.NodeUpdate{
		Status: schema.StatusPtr(schema.NodeStatusError),
		Error:  schema.StringPtr(msg),
	}); err != nil {
		r.cfg.Logger.Warn("mark refused run", "node_id", r.nodeID, "error", err)
	}
	metrics.RunRefused(string(kind))
	r.cfg.Logger.Info("run refused", "node_id", r.nodeID, "kind", kind, "reason", msg)
}

func (r *TaskRunner) launch(h *TaskHandle, spec RunSpec, rc *RunContext) {
	if r.cfg.Pool == nil {
		r.execute(h.ctx, h, spec, rc)
		return
	}
	err := r.cfg.Pool.Submit(h.ctx, func(ctx context.Context) error {
		return r.execute(ctx, h, spec, rc)
	})
	if err != nil {
		// Never reached a worker: stopped while queued or pool shut down.
		r.finish(h, spec, rc, nil, err)
		close(h.done)
	}
}

func (r *TaskRunner) execute(ctx context.Context, h *TaskHandle, spec RunSpec, rc *RunContext) error {
	defer close(h.done)
	output, err := r.call(ctx, spec, rc)
	r.finish(h, spec, rc, output, err)
	return err
}

func (r *TaskRunner) call(ctx context.Context, spec RunSpec, rc *RunContext) (output map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			rc.Logger.Error("operation panicked", "panic", p, "stack", string(debug.Stack()))
			err = schema.NewErrorf(schema.ErrCodeExecution, "internal error: %v", p).WithNode(r.nodeID)
		}
	}()
	if spec.Op == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "node type %s has no run operation", spec.Kind)
	}
	return spec.Op(ctx, rc)
}

// finish applies the run's outcome unless the handle was already stopped.
func (r *TaskRunner) finish(h *TaskHandle, spec RunSpec, rc *RunContext, output map[string]any, runErr error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		rc.Logger.Debug("discarding result of stopped run")
		return
	}
	h.finished = true
	// Use a live context: the run context may already be cancelled.
	ctx := context.WithoutCancel(h.ctx)

	var outcome string
	switch {
	case runErr == nil:
		outcome = r.succeed(ctx, h, rc, output, "")
	case schema.IsCancellation(runErr):
		outcome = r.cancelled(ctx, h, rc)
	default:
		outcome = r.fail(ctx, h, spec, rc, runErr)
	}
	h.mu.Unlock()
	h.cancel()

	r.mu.Lock()
	if r.active == h {
		r.active = nil
	}
	r.mu.Unlock()
	r.done(h, outcome)
}

func (r *TaskRunner) succeed(ctx context.Context, h *TaskHandle, rc *RunContext, output map[string]any, warning string) string {
	if output == nil {
		output = map[string]any{}
	}
	now := time.Now().UTC()
	progress := r.completeProgress()
	if _, err := r.cfg.Graph.UpdateNode(r.nodeID, schema.NodeUpdate{
		Status:      schema.StatusPtr(schema.NodeStatusSuccess),
		Error:       schema.StringPtr(""),
		Warning:     schema.StringPtr(warning),
		Output:      output,
		Progress:    progress,
		CompletedAt: &now,
	}); err != nil {
		rc.Logger.Warn("store run result", "error", err)
	}
	r.transition(ctx, h, schema.NodeStatusSuccess, map[string]any{
		"duration_ms": time.Since(h.StartedAt).Milliseconds(),
		"warning":     warning,
	})
	rc.Logger.Info("run completed", "duration", time.Since(h.StartedAt))
	return metrics.OutcomeSuccess
}

func (r *TaskRunner) completeProgress() *schema.PhaseProgress {
	p := schema.InitialProgress()
	if n, ok := r.cfg.Graph.Node(r.nodeID); ok && n.Progress != nil {
		cp := *n.Progress
		p = &cp
	}
	p.Phase = schema.PhaseComplete
	p.CurrentItem = ""
	return p
}

func (r *TaskRunner) cancelled(ctx context.Context, h *TaskHandle, rc *RunContext) string {
	if _, err := r.cfg.Graph.UpdateNode(r.nodeID, schema.NodeUpdate{
		Status:   schema.StatusPtr(schema.NodeStatusIdle),
		Error:    schema.StringPtr(""),
		Progress: schema.InitialProgress(),
	}); err != nil {
		rc.Logger.Debug("reset stopped node", "error", err)
	}
	r.transition(ctx, h, schema.NodeStatusIdle, nil)
	rc.Logger.Info("run cancelled")
	return metrics.OutcomeCancelled
}

func (r *TaskRunner) fail(ctx context.Context, h *TaskHandle, spec RunSpec, rc *RunContext, runErr error) string {
	var partial *PartialError
	if errors.As(runErr, &partial) {
		usable := false
		if spec.Usable != nil {
			ok, err := spec.Usable(ctx, partial.Output)
			if err != nil {
				rc.Logger.Warn("usability check failed", "error", err)
			}
			usable = ok && err == nil
		}
		if usable {
			return r.succeed(ctx, h, rc, partial.Output, ErrorMessage(partial.Err))
		}
	}

	msg := ErrorMessage(runErr)
	upd := schema.NodeUpdate{
		Status: schema.StatusPtr(schema.NodeStatusError),
		Error:  schema.StringPtr(msg),
	}
	if partial != nil && partial.Output != nil {
		upd.Output = partial.Output
	}
	if _, err := r.cfg.Graph.UpdateNode(r.nodeID, upd); err != nil {
		rc.Logger.Warn("store run failure", "error", err)
	}
	r.transition(ctx, h, schema.NodeStatusError, errorPayload(runErr))
	rc.Logger.Warn("run failed", "error", runErr)
	return metrics.OutcomeError
}

func (r *TaskRunner) transition(ctx context.Context, h *TaskHandle, to schema.NodeStatus, payload any) {
	if err := r.cfg.FSM.Transition(ctx, r.nodeID, h.RunID, schema.NodeStatusLoading, to, payload); err != nil {
		r.cfg.Logger.Warn("run transition", "node_id", r.nodeID, "to", to, "error", err)
	}
}

func (r *TaskRunner) done(h *TaskHandle, outcome string) {
	elapsed := time.Since(h.StartedAt)
	metrics.RunFinished(string(h.Kind), outcome, elapsed.Seconds())
	if r.cfg.Hooks.OnFinish != nil {
		r.cfg.Hooks.OnFinish(r.nodeID, h.RunID, h.Kind, outcome, elapsed)
	}
}

// Stop cancels the active run and finalizes the node immediately: status
// idle, error cleared, progress reset, output left as it is. Returns false
// when nothing was running.
func (r *TaskRunner) Stop() bool {
	return r.stop(true)
}

// Abandon cancels the active run without touching the node. It is used when
// the node the run belonged to is gone or was replaced by a loaded one.
func (r *TaskRunner) Abandon() bool {
	return r.stop(false)
}

func (r *TaskRunner) stop(reset bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.active
	if h == nil {
		return false
	}
	r.active = nil

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	h.finished = true
	h.cancel()
	if reset {
		if _, err := r.cfg.Graph.UpdateNode(r.nodeID, schema.NodeUpdate{
			Status:   schema.StatusPtr(schema.NodeStatusIdle),
			Error:    schema.StringPtr(""),
			Progress: schema.InitialProgress(),
		}); err != nil {
			r.cfg.Logger.Debug("reset stopped node", "node_id", r.nodeID, "error", err)
		}
	}
	r.transition(context.WithoutCancel(h.ctx), h, schema.NodeStatusIdle, nil)
	h.mu.Unlock()

	r.cfg.Logger.Info("run stopped", "node_id", r.nodeID, "run_id", h.RunID)
	r.done(h, metrics.OutcomeCancelled)
	return true
}

// Wait blocks until the active run's operation returns or ctx ends.
func (r *TaskRunner) Wait(ctx context.Context) error {
	h := r.Active()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunContext is handed to an Operation. Every write it performs is dropped
// once the run has been stopped or has finished.
type RunContext struct {
	NodeID string
	RunID  string
	Kind   schema.NodeKind
	Inputs map[string]any // effective inputs when the run started
	Data   map[string]any // manual fields when the run started
	Prior  map[string]any // output when the run started
	Logger *slog.Logger

	h *TaskHandle
	r *TaskRunner
}

// Cancelled reports whether the run has been asked to stop.
func (rc *RunContext) Cancelled() bool {
	rc.h.mu.Lock()
	defer rc.h.mu.Unlock()
	return rc.h.cancelled || rc.h.ctx.Err() != nil
}

// Input returns the effective input field key.
func (rc *RunContext) Input(key string) (any, bool) {
	v, ok := rc.Inputs[key]
	return v, ok
}

// Progress publishes a progress snapshot. Returns false if it was dropped.
func (rc *RunContext) Progress(p schema.PhaseProgress) bool {
	rc.h.mu.Lock()
	defer rc.h.mu.Unlock()
	if rc.h.finished {
		return false
	}
	cp := p
	if _, err := rc.r.cfg.Graph.UpdateNode(rc.NodeID, schema.NodeUpdate{Progress: &cp}); err != nil {
		return false
	}
	if fn := rc.r.cfg.Hooks.OnProgress; fn != nil {
		fn(rc.NodeID, rc.RunID, cp)
	}
	return true
}

// PatchOutput merges interim output into the node. Interim output survives
// a stop or a failure.
func (rc *RunContext) PatchOutput(patch map[string]any) bool {
	rc.h.mu.Lock()
	defer rc.h.mu.Unlock()
	if rc.h.finished {
		return false
	}
	_, err := rc.r.cfg.Graph.UpdateNode(rc.NodeID, schema.NodeUpdate{OutputPatch: patch})
	return err == nil
}

// Record appends a run log event for this run.
func (rc *RunContext) Record(eventType string, payload any) {
	ev := rc.r.cfg.Events
	if ev == nil {
		return
	}
	event := &store.Event{NodeID: rc.NodeID, RunID: rc.RunID, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			rc.Logger.Warn("encode event payload", "event", eventType, "error", err)
			return
		}
		event.Payload = raw
	}
	if err := ev.AppendEvent(context.WithoutCancel(rc.h.ctx), event); err != nil {
		rc.Logger.Warn("append run event", "event", eventType, "error", err)
	}
}

// RunPipeline drives p through the shared PhaseRunner.
func (rc *RunContext) RunPipeline(ctx context.Context, p Pipeline) (map[string]any, error) {
	return rc.r.cfg.Phases.Run(ctx, rc, p)
}

// ErrorMessage returns the user-facing text of err.
func ErrorMessage(err error) string {
	var sgErr *schema.SitegraphError
	if errors.As(err, &sgErr) {
		return sgErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func errorPayload(err error) map[string]any {
	p := map[string]any{"message": ErrorMessage(err)}
	var sgErr *schema.SitegraphError
	if errors.As(err, &sgErr) {
		p["code"] = sgErr.Code
	} else {
		p["code"] = schema.ErrCodeExecution
	}
	return p
}
