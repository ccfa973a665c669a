package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(nodeID, from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey[S ~string] struct {
	from, to S
}

// FSM validates transitions against a table, runs hooks, and emits one run
// log event per transition that maps to an event type.
type FSM[S ~string] struct {
	mu        sync.Mutex
	name      string
	table     map[S][]S
	eventType func(from, to S) string
	appender  EventAppender
	before    map[hookKey[S]][]TransitionHook
	after     map[hookKey[S]][]TransitionHook
}

func newFSM[S ~string](name string, table map[S][]S, eventType func(from, to S) string, appender EventAppender) *FSM[S] {
	return &FSM[S]{
		name:      name,
		table:     table,
		eventType: eventType,
		appender:  appender,
		before:    make(map[hookKey[S]][]TransitionHook),
		after:     make(map[hookKey[S]][]TransitionHook),
	}
}

// NewNodeFSM returns the FSM for node run status. A nil appender disables
// event emission.
func NewNodeFSM(appender EventAppender) *FSM[schema.NodeStatus] {
	return newFSM("node", ValidNodeTransitions, nodeEventType, appender)
}

// NewRunFSM returns the FSM for PhaseRunner run states.
func NewRunFSM(appender EventAppender) *FSM[schema.RunState] {
	return newFSM("run", ValidRunTransitions, runEventType, appender)
}

// OnBefore registers a hook called before a transition.
func (f *FSM[S]) OnBefore(from, to S, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FSM[S]) OnAfter(from, to S, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey[S]{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Valid reports whether from -> to is allowed.
func (f *FSM[S]) Valid(from, to S) bool {
	for _, a := range f.table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Transition validates a transition, runs hooks and emits the mapped event
// with payload. The caller owns persisting the new state.
func (f *FSM[S]) Transition(ctx context.Context, nodeID, runID string, from, to S, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.Valid(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", f.name, from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := hookKey[S]{from, to}
	for _, hook := range f.before[key] {
		if err := hook(nodeID, string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := f.eventType(from, to); eventType != "" && f.appender != nil {
		event := &store.Event{NodeID: nodeID, RunID: runID, Type: eventType}
		if payload != nil {
			raw, err := json.Marshal(payload)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", eventType, err.Error()).WithNode(nodeID)
			}
			event.Payload = raw
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", f.name, err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(nodeID, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func nodeEventType(from, to schema.NodeStatus) string {
	switch {
	case to == schema.NodeStatusLoading:
		return schema.EventRunStarted
	case from == schema.NodeStatusLoading && to == schema.NodeStatusSuccess:
		return schema.EventRunCompleted
	case from == schema.NodeStatusLoading && to == schema.NodeStatusError:
		return schema.EventRunFailed
	case from == schema.NodeStatusLoading && to == schema.NodeStatusIdle:
		return schema.EventRunCancelled
	case to == schema.NodeStatusError:
		return schema.EventRunRefused
	default:
		return ""
	}
}

func runEventType(from, to schema.RunState) string {
	if from == to {
		return ""
	}
	return schema.EventPhaseChanged
}

// IsTerminalRunState reports whether no further run transitions are allowed.
func IsTerminalRunState(s schema.RunState) bool {
	return len(ValidRunTransitions[s]) == 0
}

// ValidNodeTransitions defines the allowed node status transitions. A refused
// start moves any non-loading status to error.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusIdle:    {schema.NodeStatusLoading, schema.NodeStatusError},
	schema.NodeStatusLoading: {schema.NodeStatusSuccess, schema.NodeStatusError, schema.NodeStatusIdle},
	schema.NodeStatusSuccess: {schema.NodeStatusLoading, schema.NodeStatusError},
	schema.NodeStatusError:   {schema.NodeStatusLoading, schema.NodeStatusError},
}

// ValidRunTransitions defines the allowed PhaseRunner state transitions.
// cancelled and error are reachable from every non-terminal state.
var ValidRunTransitions = map[schema.RunState][]schema.RunState{
	schema.RunStatePreparing:   {schema.RunStateRunning, schema.RunStateAggregating, schema.RunStateCancelled, schema.RunStateError},
	schema.RunStateRunning:     {schema.RunStateAggregating, schema.RunStateCancelled, schema.RunStateError},
	schema.RunStateAggregating: {schema.RunStateComplete, schema.RunStateCancelled, schema.RunStateError},
	schema.RunStateComplete:    {},
	schema.RunStateCancelled:   {},
	schema.RunStateError:       {},
}
