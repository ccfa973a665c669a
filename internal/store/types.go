package store

import (
	"encoding/json"
	"time"
)

// Project is a named, persisted graph snapshot.
type Project struct {
	Name      string          `json:"name"`
	Document  json.RawMessage `json:"document"`
	NodeCount int             `json:"node_count"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Event is an immutable entry in the run log.
type Event struct {
	ID        int64           `json:"id"`
	NodeID    string          `json:"node_id"`
	RunID     string          `json:"run_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	NodeID string
	RunID  string
	Since  *time.Time
	Limit  int
}

// CachedSearch is a stored search response.
type CachedSearch struct {
	Key       string          `json:"key"`
	Query     string          `json:"query"`
	Location  string          `json:"location,omitempty"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}
