package schema

import "time"

// SnapshotVersion is the current snapshot document version.
const SnapshotVersion = 1

// Snapshot is the JSON document used for project persistence and file
// export/import. Run-time fields (status, progress, error) are not persisted;
// a loaded node keeps its last output and starts as success when it has one.
type Snapshot struct {
	Version     int            `json:"version"`
	Name        string         `json:"name,omitempty"`
	SavedAt     *time.Time     `json:"saved_at,omitempty"`
	Nodes       []SnapshotNode `json:"nodes"`
	Connections []Connection   `json:"connections"`
}

// SnapshotNode is the persisted form of a Node.
type SnapshotNode struct {
	ID       string         `json:"id"`
	Kind     NodeKind       `json:"type"`
	Position Position       `json:"position"`
	Size     *Size          `json:"size,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// ProjectInfo summarizes a saved project for listings.
type ProjectInfo struct {
	Name      string    `json:"name"`
	NodeCount int       `json:"node_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
