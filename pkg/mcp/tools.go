package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sitegraph/internal/diagram"
	"github.com/rendis/sitegraph/internal/project"
	"github.com/rendis/sitegraph/pkg/schema"
)

// --- Graph editing ---

func (s *Server) handleAddNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError("kind is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)
	pos := schema.Position{X: req.GetFloat("x", 0), Y: req.GetFloat("y", 0)}

	node, addErr := s.graph.AddNode(schema.NodeKind(kind), data, pos)
	if addErr != nil {
		return toolError(addErr), nil
	}
	s.logger.InfoContext(ctx, "node added", "node_id", node.ID, "kind", kind)
	return marshalResult(node)
}

func (s *Server) handleUpdateNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	current, ok := s.graph.Node(nodeID)
	if !ok {
		return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID)), nil
	}

	upd := schema.NodeUpdate{DataPatch: mcp.ParseStringMap(req, "data", nil)}
	args := req.GetArguments()
	_, hasX := args["x"]
	_, hasY := args["y"]
	if hasX || hasY {
		upd.Position = &schema.Position{
			X: req.GetFloat("x", current.Position.X),
			Y: req.GetFloat("y", current.Position.Y),
		}
	}
	if upd.DataPatch == nil && upd.Position == nil {
		return mcp.NewToolResultError("nothing to update: pass data, x or y"), nil
	}

	node, updErr := s.graph.UpdateNode(nodeID, upd)
	if updErr != nil {
		return toolError(updErr), nil
	}
	return marshalResult(node)
}

func (s *Server) handleDeleteNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if delErr := s.graph.DeleteNode(nodeID); delErr != nil {
		return toolError(delErr), nil
	}
	s.logger.InfoContext(ctx, "node deleted", "node_id", nodeID)
	return marshalResult(map[string]any{"node_id": nodeID, "deleted": true})
}

func connectionArg(req mcp.CallToolRequest) (schema.Connection, error) {
	from, err := req.RequireString("from_node_id")
	if err != nil {
		return schema.Connection{}, schema.NewError(schema.ErrCodeValidation, "from_node_id is required")
	}
	to, err := req.RequireString("to_node_id")
	if err != nil {
		return schema.Connection{}, schema.NewError(schema.ErrCodeValidation, "to_node_id is required")
	}
	return schema.Connection{
		FromNodeID: from,
		FromPort:   schema.OutputPort,
		ToNodeID:   to,
		ToPort:     req.GetString("to_port", schema.DefaultPort),
	}, nil
}

func (s *Server) handleConnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := connectionArg(req)
	if err != nil {
		return toolError(err), nil
	}
	if connErr := s.graph.Connect(c); connErr != nil {
		return toolError(connErr), nil
	}
	return marshalResult(c)
}

func (s *Server) handleDisconnect(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := connectionArg(req)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"removed": s.graph.Disconnect(c)})
}

// nodeStatus is one node as reported by graph.status.
type nodeStatus struct {
	*schema.Node
	Running  bool    `json:"running"`
	Fraction float64 `json:"fraction,omitempty"`
}

func (s *Server) statusOf(n *schema.Node) nodeStatus {
	st := nodeStatus{Node: n}
	if s.runs != nil {
		st.Running = s.runs.IsRunning(n.ID)
	}
	if n.Progress != nil {
		st.Fraction = n.Progress.Fraction()
	}
	return st
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if nodeID := req.GetString("node_id", ""); nodeID != "" {
		n, ok := s.graph.Node(nodeID)
		if !ok {
			return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID)), nil
		}
		return marshalResult(s.statusOf(n))
	}

	nodes := s.graph.Nodes()
	out := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, s.statusOf(n))
	}
	return marshalResult(map[string]any{
		"revision":    s.graph.Revision(),
		"nodes":       out,
		"connections": s.graph.Connections(),
	})
}

// handleDiagram renders the live graph in the requested format.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	model, err := diagram.FromGraph(s.graph, req.GetString("title", ""))
	if err != nil {
		return toolError(err), nil
	}

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage("graph diagram", base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultError("format must be mermaid, ascii, or image"), nil
	}
}

// --- Runs ---

func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	// The run belongs to the graph, not to this tool call.
	started, runErr := s.runs.Run(context.WithoutCancel(ctx), nodeID)
	if runErr != nil {
		return toolError(runErr), nil
	}
	if started {
		s.captureSession(ctx, nodeID)
	}

	if req.GetBool("wait", false) {
		if waitErr := s.runs.Wait(ctx, nodeID); waitErr != nil {
			return toolError(waitErr), nil
		}
		n, ok := s.graph.Node(nodeID)
		if !ok {
			return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "node %s was deleted during the run", nodeID)), nil
		}
		return marshalResult(map[string]any{"started": started, "node": s.statusOf(n)})
	}
	return marshalResult(map[string]any{"node_id": nodeID, "started": started})
}

func (s *Server) handleStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	if _, ok := s.graph.Node(nodeID); !ok {
		return toolError(schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", nodeID)), nil
	}
	return marshalResult(map[string]any{"node_id": nodeID, "stopped": s.runs.Stop(nodeID)})
}

// --- Projects ---

func (s *Server) handleSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	info, saveErr := s.projects.Save(ctx, name)
	if saveErr != nil {
		return toolError(saveErr), nil
	}
	return marshalResult(info)
}

func (s *Server) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	if loadErr := s.projects.Load(ctx, name); loadErr != nil {
		return toolError(loadErr), nil
	}
	return marshalResult(map[string]any{"name": name, "nodes": len(s.graph.Nodes()), "connections": len(s.graph.Connections())})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projects, err := s.projects.List(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"projects": projects})
}

func (s *Server) handleDeleteProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	if delErr := s.projects.Delete(ctx, name); delErr != nil {
		return toolError(delErr), nil
	}
	return marshalResult(map[string]any{"name": name, "deleted": true})
}

func (s *Server) handleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var buf bytes.Buffer
	if err := s.projects.Export(&buf, req.GetString("name", "")); err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (s *Server) handleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode, err := project.ParseMode(req.GetString("mode", ""))
	if err != nil {
		return toolError(err), nil
	}

	var doc []byte
	if obj := mcp.ParseStringMap(req, "document", nil); obj != nil {
		if doc, err = json.Marshal(obj); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode document: %v", err)), nil
		}
	} else if text := req.GetString("document_json", ""); text != "" {
		doc = []byte(text)
	} else {
		return mcp.NewToolResultError("document or document_json is required"), nil
	}

	res, impErr := s.projects.ImportDocument(ctx, doc, mode)
	if impErr != nil {
		return toolError(impErr), nil
	}
	return marshalResult(res)
}

// --- Helpers ---

// captureSession remembers which session started a node run so the run
// outcome can be pushed back to it.
func (s *Server) captureSession(ctx context.Context, nodeID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(nodeID, session.SessionID())
	}
}

// toolError reports err as a tool-level error, keeping its code visible.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

// --- Tool definitions ---

func addNodeTool() mcp.Tool {
	return mcp.NewTool("graph.add_node",
		mcp.WithDescription("Add a node of the given kind to the graph"),
		mcp.WithString("kind", mcp.Required(), mcp.Description("Node kind, e.g. location, research, llm, code-generation")),
		mcp.WithObject("data", mcp.Description("Manual inputs; kind defaults fill the rest")),
		mcp.WithNumber("x", mcp.Description("Canvas x position")),
		mcp.WithNumber("y", mcp.Description("Canvas y position")),
	)
}

func updateNodeTool() mcp.Tool {
	return mcp.NewTool("graph.update_node",
		mcp.WithDescription("Merge manual inputs into a node or move it"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to update")),
		mcp.WithObject("data", mcp.Description("Fields merged into the node's manual inputs")),
		mcp.WithNumber("x", mcp.Description("New x position")),
		mcp.WithNumber("y", mcp.Description("New y position")),
	)
}

func deleteNodeTool() mcp.Tool {
	return mcp.NewTool("graph.delete_node",
		mcp.WithDescription("Delete a node and every connection touching it"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to delete")),
	)
}

func connectTool() mcp.Tool {
	return mcp.NewTool("graph.connect",
		mcp.WithDescription("Connect a node's output to another node's input port"),
		mcp.WithString("from_node_id", mcp.Required(), mcp.Description("Producer node")),
		mcp.WithString("to_node_id", mcp.Required(), mcp.Description("Consumer node")),
		mcp.WithString("to_port", mcp.Description("Consumer input port (default: in)")),
	)
}

func disconnectTool() mcp.Tool {
	return mcp.NewTool("graph.disconnect",
		mcp.WithDescription("Remove a connection"),
		mcp.WithString("from_node_id", mcp.Required(), mcp.Description("Producer node")),
		mcp.WithString("to_node_id", mcp.Required(), mcp.Description("Consumer node")),
		mcp.WithString("to_port", mcp.Description("Consumer input port (default: in)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("graph.status",
		mcp.WithDescription("Get the status, progress and output of one node or of the whole graph"),
		mcp.WithString("node_id", mcp.Description("Node to report (default: every node)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("graph.diagram",
		mcp.WithDescription("Render the graph with run status. Returns Mermaid flowchart syntax, ASCII art, or a PNG image"),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format (default: mermaid)"),
		),
		mcp.WithString("title", mcp.Description("Diagram title")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("node.run",
		mcp.WithDescription("Run a node's operation. Starting a node that is already running does nothing"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to run")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes and return the node")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("node.stop",
		mcp.WithDescription("Stop a node's active run"),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("Node to stop")),
	)
}

func saveTool() mcp.Tool {
	return mcp.NewTool("project.save",
		mcp.WithDescription("Save the graph as a named project"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
	)
}

func loadTool() mcp.Tool {
	return mcp.NewTool("project.load",
		mcp.WithDescription("Replace the graph with a saved project"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("project.list",
		mcp.WithDescription("List saved projects"),
	)
}

func deleteProjectTool() mcp.Tool {
	return mcp.NewTool("project.delete",
		mcp.WithDescription("Delete a saved project"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Project name")),
	)
}

func exportTool() mcp.Tool {
	return mcp.NewTool("project.export",
		mcp.WithDescription("Export the graph as a snapshot document"),
		mcp.WithString("name", mcp.Description("Name recorded in the document")),
	)
}

func importTool() mcp.Tool {
	return mcp.NewTool("project.import",
		mcp.WithDescription("Import a snapshot document. replace swaps the graph; merge adds the document's nodes under fresh ids"),
		mcp.WithObject("document", mcp.Description("Snapshot document")),
		mcp.WithString("document_json", mcp.Description("Snapshot document as JSON text")),
		mcp.WithString("mode", mcp.Enum("replace", "merge"), mcp.Description("Import mode (default: replace)")),
	)
}
