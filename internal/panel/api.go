package panel

import (
	"net/http"

	"github.com/rendis/sitegraph/internal/diagram"
	"github.com/rendis/sitegraph/pkg/schema"
)

// graphView is the body of GET /api/graph.
type graphView struct {
	Revision    uint64              `json:"revision"`
	Nodes       []*schema.Node      `json:"nodes"`
	Connections []schema.Connection `json:"connections"`
	Running     []string            `json:"running,omitempty"`
}

// handleGraph returns every node and connection with current run state.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	g := s.deps.Graph
	view := graphView{
		Revision:    g.Revision(),
		Nodes:       g.Nodes(),
		Connections: g.Connections(),
	}
	if view.Nodes == nil {
		view.Nodes = []*schema.Node{}
	}
	if view.Connections == nil {
		view.Connections = []schema.Connection{}
	}
	if s.deps.Runs != nil {
		view.Running = s.deps.Runs.Running()
	}
	writeJSON(w, http.StatusOK, view)
}

// handleNode returns one node.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, ok := s.deps.Graph.Node(id)
	if !ok {
		writeErr(w, schema.NewErrorf(schema.ErrCodeNotFound, "node %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleDiagram renders the live graph. format is mermaid (default), ascii,
// svg or png.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}

	model, err := diagram.FromGraph(s.deps.Graph, r.URL.Query().Get("title"))
	if err != nil {
		writeErr(w, err)
		return
	}

	switch format {
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(diagram.RenderASCII(model)))
	case "svg", "png":
		img, imgErr := diagram.RenderImage(r.Context(), model, diagram.ImageFormat(format))
		if imgErr != nil {
			s.deps.Logger.Error("diagram render failed", "format", format, "error", imgErr)
			writeErr(w, imgErr)
			return
		}
		if format == "svg" {
			w.Header().Set("Content-Type", "image/svg+xml")
		} else {
			w.Header().Set("Content-Type", "image/png")
		}
		_, _ = w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, "format must be mermaid, ascii, svg or png")
	}
}
