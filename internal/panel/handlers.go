package panel

import (
	"net/http"

	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/pkg/schema"
)

// handleRuns lists active runs and worker pool counters.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	running := s.deps.Runs.Running()
	if running == nil {
		running = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": running,
		"pool":    s.deps.Runs.PoolMetrics(),
	})
}

// handleRun starts a node run. An already running node answers 200 with
// started=false.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// The run outlives the request.
	started, err := s.deps.Runs.Run(withoutCancel(r), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"node_id": id, "started": started})
}

// handleStop cancels a node run.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Graph.Node(id); !ok {
		writeErr(w, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "stopped": s.deps.Runs.Stop(id)})
}

// handleNodeEvents returns a node's run log after the given sequence.
func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.deps.RunLog.GetEvents(r.Context(), id, queryInt(r, "since", 0))
	if err != nil {
		s.deps.Logger.Error("read run log", "node_id", id, "error", err)
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "events": events})
}

// handleNodeRuns returns the runs rebuilt from a node's run log.
func (s *Server) handleNodeRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	runs, err := s.deps.RunLog.RunHistory(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "runs": runs})
}
