package schema

// Event type constants for graph changes and node runs. Graph events drive
// propagation; run events are appended to the run log and streamed.
const (
	EventNodeAdded         = "node_added"
	EventNodeDeleted       = "node_deleted"
	EventNodeUpdated       = "node_updated"
	EventOutputChanged     = "output_changed"
	EventDataChanged       = "data_changed"
	EventConnectionAdded   = "connection_added"
	EventConnectionRemoved = "connection_removed"
	EventGraphReplaced     = "graph_replaced"

	EventRunStarted   = "run_started"
	EventRunProgress  = "run_progress"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunRefused   = "run_refused"

	EventPhaseChanged = "phase_changed"
	EventItemFailed   = "item_failed"
	EventItemRetrying = "item_retrying"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventProjectSaved    = "project_saved"
	EventProjectLoaded   = "project_loaded"
	EventProjectImported = "project_imported"
)

// RunState is the lifecycle state of one PhaseRunner execution.
type RunState string

const (
	RunStatePreparing   RunState = "preparing"
	RunStateRunning     RunState = "running"
	RunStateAggregating RunState = "aggregating"
	RunStateComplete    RunState = "complete"
	RunStateCancelled   RunState = "cancelled"
	RunStateError       RunState = "error"
)
