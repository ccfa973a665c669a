package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/internal/streaming"
)

// Runs starts and stops node runs. *engine.Controller satisfies it.
type Runs interface {
	Run(ctx context.Context, nodeID string) (bool, error)
	Stop(nodeID string) bool
	Running() []string
	PoolMetrics() engine.PoolMetrics
}

// RunLog reads the persisted run events of a node. *store.EventLog
// satisfies it.
type RunLog interface {
	GetEvents(ctx context.Context, nodeID string, since int64) ([]*store.Event, error)
	RunHistory(ctx context.Context, nodeID string) ([]*store.RunSummary, error)
}

// Deps holds the dependencies for the panel server. Graph and Hub are
// required; a nil Runs or RunLog disables the matching routes.
type Deps struct {
	Graph  *graph.Graph
	Runs   Runs
	RunLog RunLog
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server is the HTTP surface of the editor: graph reads, run control, the
// event stream and Prometheus metrics.
type Server struct {
	deps Deps
}

// NewServer creates a panel server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/graph", s.handleGraph)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleNode)
	mux.HandleFunc("GET /api/diagram", s.handleDiagram)

	if s.deps.Runs != nil {
		mux.HandleFunc("GET /api/runs", s.handleRuns)
		mux.HandleFunc("POST /api/nodes/{id}/run", s.handleRun)
		mux.HandleFunc("POST /api/nodes/{id}/stop", s.handleStop)
	}
	if s.deps.RunLog != nil {
		mux.HandleFunc("GET /api/nodes/{id}/events", s.handleNodeEvents)
		mux.HandleFunc("GET /api/nodes/{id}/runs", s.handleNodeRuns)
	}

	mux.HandleFunc("GET /sse/events", s.handleSSE)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Logger.Debug("panel request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
