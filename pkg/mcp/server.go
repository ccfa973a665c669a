package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/project"
	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Runs starts, stops and observes node runs. *engine.Controller satisfies it.
type Runs interface {
	Run(ctx context.Context, nodeID string) (bool, error)
	Stop(nodeID string) bool
	Wait(ctx context.Context, nodeID string) error
	IsRunning(nodeID string) bool
	Running() []string
}

// Projects persists and moves the graph. *project.Service satisfies it.
type Projects interface {
	Save(ctx context.Context, name string) (*schema.ProjectInfo, error)
	Load(ctx context.Context, name string) error
	List(ctx context.Context) ([]*schema.ProjectInfo, error)
	Delete(ctx context.Context, name string) error
	Export(w io.Writer, name string) error
	ImportDocument(ctx context.Context, doc []byte, mode project.Mode) (*project.ImportResult, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Graph    *graph.Graph
	Runs     Runs
	Projects Projects
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// Server wraps an MCP server with the graph editor's tool handlers.
type Server struct {
	graph     *graph.Graph
	runs      Runs
	projects  Projects
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		graph:    deps.Graph,
		runs:     deps.Runs,
		projects: deps.Projects,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"sitegraph",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Sitegraph is a node-graph editor that builds local directory websites. "+
			"Use graph.add_node and graph.connect to build a pipeline, node.run to execute a node, "+
			"graph.status to watch progress, and project.save / project.load to persist the graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run outcomes are pushed to the session that started the run.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewMCPNotifier(s.mcpServer, s.sessions)
		stop, err := notifier.Forward(ctx, s.hub)
		if err != nil {
			return err
		}
		defer stop()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: addNodeTool(), Handler: s.handleAddNode},
		{Tool: updateNodeTool(), Handler: s.handleUpdateNode},
		{Tool: deleteNodeTool(), Handler: s.handleDeleteNode},
		{Tool: connectTool(), Handler: s.handleConnect},
		{Tool: disconnectTool(), Handler: s.handleDisconnect},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: saveTool(), Handler: s.handleSave},
		{Tool: loadTool(), Handler: s.handleLoad},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: deleteProjectTool(), Handler: s.handleDeleteProject},
		{Tool: exportTool(), Handler: s.handleExport},
		{Tool: importTool(), Handler: s.handleImport},
	}
}
