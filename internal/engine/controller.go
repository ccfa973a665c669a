package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/metrics"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/pkg/schema"
)

// DefaultPoolSize bounds concurrent node runs when no size is configured.
const DefaultPoolSize = 4

// SpecResolver builds the run request for a node. Satisfied by
// *nodes.Registry.
type SpecResolver interface {
	RunSpec(node *schema.Node) (RunSpec, error)
	Providers(kind schema.NodeKind) []string
}

// CredentialChecker reports whether every named provider has a credential.
type CredentialChecker interface {
	Require(ctx context.Context, providers ...string) error
}

// EventSink fans run events out to the run log and the streaming hub.
// A failing run log never fails the run.
type EventSink struct {
	log    EventAppender
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEventSink creates a sink. Either destination may be nil.
func NewEventSink(log EventAppender, hub streaming.EventHub, logger *slog.Logger) *EventSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventSink{log: log, hub: hub, logger: logger}
}

// AppendEvent implements EventAppender.
func (s *EventSink) AppendEvent(ctx context.Context, event *store.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if s.log != nil {
		if err := s.log.AppendEvent(ctx, event); err != nil {
			s.logger.Warn("run log append failed", "event", event.Type, "node_id", event.NodeID, "error", err)
		}
	}
	s.publish(ctx, streaming.StreamEvent{
		NodeID:    event.NodeID,
		RunID:     event.RunID,
		EventType: event.Type,
		Payload:   event.Payload,
		Timestamp: event.Timestamp,
	})
	return nil
}

func (s *EventSink) publish(ctx context.Context, evt streaming.StreamEvent) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Debug("publish event", "event", evt.EventType, "error", err)
	}
}

// ControllerConfig configures a Controller. Graph and Specs are required.
type ControllerConfig struct {
	Graph       *graph.Graph
	Specs       SpecResolver
	Credentials CredentialChecker
	Events      EventAppender
	Hub         streaming.EventHub
	PoolSize    int
	Breaker     CircuitBreakerConfig
	Logger      *slog.Logger
}

// Controller owns one TaskRunner per node and the resources their runs
// share: the worker pool, the circuit breakers and the event sink.
type Controller struct {
	cfg    ControllerConfig
	runCfg *RunnerConfig
	pool   *WorkerPool
	sink   *EventSink
	logger *slog.Logger

	mu      sync.Mutex
	runners map[string]*TaskRunner

	unsubscribe func()
}

// NewController wires a Controller to cfg.Graph. Deleting a node, or
// replacing the graph, stops the affected runs.
func NewController(cfg ControllerConfig) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Breaker == (CircuitBreakerConfig{}) {
		cfg.Breaker = DefaultCircuitBreakerConfig()
	}

	sink := NewEventSink(cfg.Events, cfg.Hub, logger)
	breakers := NewCircuitBreakerRegistry(cfg.Breaker)
	breakers.OnChange(func(capability string, to CircuitState) {
		if to == CircuitOpen {
			metrics.BreakerOpened(capability)
		}
		logger.Info("circuit breaker changed", "capability", capability, "state", to.String())
		_ = sink.AppendEvent(context.Background(), breakerEvent(capability, to))
	})

	pool := NewWorkerPool(cfg.PoolSize)
	c := &Controller{
		cfg:     cfg,
		pool:    pool,
		sink:    sink,
		logger:  logger,
		runners: make(map[string]*TaskRunner),
	}
	c.runCfg = &RunnerConfig{
		Graph:  cfg.Graph,
		Pool:   pool,
		Events: sink,
		Phases: NewPhaseRunner(PhaseRunnerConfig{Events: sink, Breakers: breakers, Logger: logger}),
		Logger: logger,
		Hooks: Hooks{
			OnProgress: func(nodeID, runID string, p schema.PhaseProgress) {
				sink.publish(context.Background(), streaming.StreamEvent{
					NodeID:    nodeID,
					RunID:     runID,
					EventType: schema.EventRunProgress,
					Payload:   p,
				})
			},
		},
	}
	c.runCfg.defaults()
	c.unsubscribe = cfg.Graph.Subscribe(c.onGraphChange)
	return c
}

func breakerEvent(capability string, to CircuitState) *store.Event {
	typ := schema.EventCircuitBreakerClosed
	switch to {
	case CircuitOpen:
		typ = schema.EventCircuitBreakerOpen
	case CircuitHalfOpen:
		typ = schema.EventCircuitBreakerHalfOpen
	}
	payload, _ := json.Marshal(map[string]string{"capability": capability, "state": to.String()})
	return &store.Event{Type: typ, Payload: payload}
}

func (c *Controller) onGraphChange(ch graph.Change) {
	switch ch.Type {
	case schema.EventNodeDeleted:
		c.forget(ch.NodeID)
	case schema.EventGraphReplaced:
		// Every node now comes from the loaded snapshot, even where an id
		// survived, so no run of the old graph may write to it.
		c.mu.Lock()
		ids := make([]string, 0, len(c.runners))
		for id := range c.runners {
			ids = append(ids, id)
		}
		c.mu.Unlock()
		for _, id := range ids {
			c.forget(id)
		}
	}
}

func (c *Controller) forget(nodeID string) {
	c.mu.Lock()
	r, ok := c.runners[nodeID]
	delete(c.runners, nodeID)
	c.mu.Unlock()
	if ok && r.Abandon() {
		c.logger.Info("stopped run of replaced node", "node_id", nodeID)
	}
}

func (c *Controller) runner(nodeID string) *TaskRunner {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runners[nodeID]
	if !ok {
		r = NewTaskRunner(nodeID, c.runCfg)
		c.runners[nodeID] = r
	}
	return r
}

func (c *Controller) lookup(nodeID string) *TaskRunner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runners[nodeID]
}

// Run starts nodeID's operation. It returns false without error when the
// node is already running. A missing credential refuses the run: the node
// is put in error status and the CAPABILITY_UNAVAILABLE error is returned.
func (c *Controller) Run(ctx context.Context, nodeID string) (bool, error) {
	node, ok := c.cfg.Graph.Node(nodeID)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID)
	}
	spec, err := c.cfg.Specs.RunSpec(node)
	if err != nil {
		return false, err
	}
	if providers := c.cfg.Specs.Providers(node.Kind); len(providers) > 0 {
		spec.Require = c.require(providers, spec.Require)
	}
	return c.runner(nodeID).Start(ctx, spec)
}

func (c *Controller) require(providers []string, next func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		if c.cfg.Credentials == nil {
			return secrets.Unavailable(providers[0])
		}
		if err := c.cfg.Credentials.Require(ctx, providers...); err != nil {
			return err
		}
		if next != nil {
			return next(ctx)
		}
		return nil
	}
}

// Stop cancels nodeID's run. Safe to call when nothing is running.
func (c *Controller) Stop(nodeID string) bool {
	r := c.lookup(nodeID)
	if r == nil {
		return false
	}
	return r.Stop()
}

// StopAll cancels every active run and returns how many were stopped.
func (c *Controller) StopAll() int {
	c.mu.Lock()
	runners := make([]*TaskRunner, 0, len(c.runners))
	for _, r := range c.runners {
		runners = append(runners, r)
	}
	c.mu.Unlock()

	n := 0
	for _, r := range runners {
		if r.Stop() {
			n++
		}
	}
	return n
}

// Wait blocks until nodeID's active run returns or ctx ends.
func (c *Controller) Wait(ctx context.Context, nodeID string) error {
	r := c.lookup(nodeID)
	if r == nil {
		return nil
	}
	return r.Wait(ctx)
}

// IsRunning reports whether nodeID has an active run.
func (c *Controller) IsRunning(nodeID string) bool {
	r := c.lookup(nodeID)
	return r != nil && r.IsRunning()
}

// Running lists the nodes with an active run, sorted.
func (c *Controller) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, r := range c.runners {
		if r.IsRunning() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Breakers exposes the circuit breakers shared by all runs.
func (c *Controller) Breakers() *CircuitBreakerRegistry {
	return c.runCfg.Phases.Breakers()
}

// PoolMetrics returns the worker pool counters.
func (c *Controller) PoolMetrics() PoolMetrics {
	return c.pool.Metrics()
}

// Shutdown stops every run, detaches from the graph and waits for
// operations to return or ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	if n := c.StopAll(); n > 0 {
		c.logger.Info("stopped active runs", "count", n)
	}
	c.unsubscribe()

	done := make(chan struct{})
	go func() {
		c.pool.Shutdown()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
