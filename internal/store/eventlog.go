package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// EventLog records node runs on top of a Store and rebuilds run history
// from it.
type EventLog struct {
	store Store
}

func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends one event.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns nodeID's events after sequence since.
func (el *EventLog) GetEvents(ctx context.Context, nodeID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, nodeID, since)
}

// Record marshals payload and appends it as an event of eventType.
func (el *EventLog) Record(ctx context.Context, nodeID, runID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{NodeID: nodeID, RunID: runID, Type: eventType, Payload: raw})
}

// RunSummary is the reconstructed outcome of one node run.
type RunSummary struct {
	RunID       string          `json:"run_id"`
	NodeID      string          `json:"node_id"`
	State       schema.RunState `json:"state"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	ItemsFailed int             `json:"items_failed"`
	Retries     int             `json:"retries"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// RunHistory replays a node's events and returns its runs, oldest first.
// Returns an error if the per-node sequence has gaps.
func (el *EventLog) RunHistory(ctx context.Context, nodeID string) ([]*RunSummary, error) {
	events, err := el.store.GetEvents(ctx, nodeID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap for node %s: expected %d, got %d", nodeID, want, e.Sequence)
		}
	}

	var order []string
	runs := make(map[string]*RunSummary)
	for _, e := range events {
		if e.RunID == "" {
			continue
		}
		rs, ok := runs[e.RunID]
		if !ok {
			rs = &RunSummary{RunID: e.RunID, NodeID: nodeID, State: schema.RunStatePreparing, StartedAt: e.Timestamp}
			runs[e.RunID] = rs
			order = append(order, e.RunID)
		}

		switch e.Type {
		case schema.EventRunStarted:
			rs.State = schema.RunStateRunning
			rs.StartedAt = e.Timestamp
		case schema.EventRunCompleted:
			rs.finish(schema.RunStateComplete, e.Timestamp)
		case schema.EventRunFailed:
			rs.finish(schema.RunStateError, e.Timestamp)
			rs.Error = e.Payload
		case schema.EventRunCancelled:
			rs.finish(schema.RunStateCancelled, e.Timestamp)
		case schema.EventItemFailed:
			rs.ItemsFailed++
		case schema.EventItemRetrying:
			rs.Retries++
		}
	}

	out := make([]*RunSummary, 0, len(order))
	for _, id := range order {
		out = append(out, runs[id])
	}
	return out, nil
}

func (rs *RunSummary) finish(state schema.RunState, at time.Time) {
	rs.State = state
	t := at
	rs.FinishedAt = &t
	rs.DurationMs = at.Sub(rs.StartedAt).Milliseconds()
}
