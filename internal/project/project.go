// Package project persists the live graph as named projects and moves it in
// and out of snapshot documents.
package project

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/internal/validation"
	"github.com/rendis/sitegraph/pkg/schema"
)

// MaxDocumentSize bounds an imported snapshot document.
const MaxDocumentSize = 32 << 20

// Mode selects how Import applies a document.
type Mode string

const (
	// ModeReplace swaps the whole graph for the document.
	ModeReplace Mode = "replace"
	// ModeMerge adds the document's nodes under fresh ids.
	ModeMerge Mode = "merge"
)

// ParseMode converts a user-supplied mode; empty means replace.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeReplace:
		return ModeReplace, nil
	case ModeMerge:
		return ModeMerge, nil
	}
	return "", schema.NewErrorf(schema.ErrCodeValidation, "unknown import mode %q (want replace or merge)", s)
}

// Store is the project part of store.Store.
type Store interface {
	SaveProject(ctx context.Context, p *store.Project) error
	GetProject(ctx context.Context, name string) (*store.Project, error)
	ListProjects(ctx context.Context) ([]*store.Project, error)
	DeleteProject(ctx context.Context, name string) error
}

// ImportResult describes an applied import.
type ImportResult struct {
	Mode        Mode              `json:"mode"`
	Nodes       int               `json:"nodes"`
	Connections int               `json:"connections"`
	Warnings    []string          `json:"warnings,omitempty"`
	IDs         map[string]string `json:"ids,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithIDGenerator overrides the id source used to re-id merged nodes.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// WithHub publishes project_saved, project_loaded and project_imported
// events to hub.
func WithHub(hub streaming.EventHub) Option {
	return func(s *Service) { s.hub = hub }
}

// Service saves, loads, exports and imports the graph.
type Service struct {
	g         *graph.Graph
	store     Store
	validator *validation.SnapshotValidator
	newID     func() string
	hub       streaming.EventHub
	logger    *slog.Logger
}

// New creates a Service. Documents are validated against the graph's
// catalog before they touch the graph.
func New(g *graph.Graph, st Store, opts ...Option) (*Service, error) {
	v, err := validation.NewSnapshotValidator(g.Catalog())
	if err != nil {
		return nil, err
	}
	s := &Service{
		g:         g,
		store:     st,
		validator: v,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

func checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "project name is required")
	}
	if !fs.ValidPath(name) || strings.ContainsAny(name, `/\`) {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid project name %q", name)
	}
	return name, nil
}

// Save stores the current graph under name, overwriting an existing
// project of that name.
func (s *Service) Save(ctx context.Context, name string) (*schema.ProjectInfo, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	snap := s.g.Snapshot(name)
	doc, err := json.Marshal(snap)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "encode snapshot").WithCause(err)
	}
	p := &store.Project{Name: name, Document: doc, NodeCount: len(snap.Nodes)}
	if err := s.store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "project saved", "project", name, "nodes", len(snap.Nodes), "connections", len(snap.Connections))
	s.publish(ctx, schema.EventProjectSaved, map[string]any{"project": name, "nodes": len(snap.Nodes)})
	return info(p), nil
}

// Show returns the stored snapshot of a project without loading it.
func (s *Service) Show(ctx context.Context, name string) (*schema.Snapshot, error) {
	name, err := checkName(name)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetProject(ctx, name)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.validator.Decode(p.Document)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "project %q holds an invalid document", name).WithCause(err)
	}
	return snap, nil
}

// Load replaces the graph with a saved project. Runs in flight are stopped
// by the controller when the graph is replaced.
func (s *Service) Load(ctx context.Context, name string) error {
	snap, err := s.Show(ctx, name)
	if err != nil {
		return err
	}
	if err := s.g.Replace(*snap); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "project loaded", "project", snap.Name, "nodes", len(snap.Nodes))
	s.publish(ctx, schema.EventProjectLoaded, map[string]any{"project": snap.Name, "nodes": len(snap.Nodes)})
	return nil
}

// List returns saved projects, most recently updated first.
func (s *Service) List(ctx context.Context) ([]*schema.ProjectInfo, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.ProjectInfo, 0, len(projects))
	for _, p := range projects {
		out = append(out, info(p))
	}
	return out, nil
}

// Delete removes a saved project.
func (s *Service) Delete(ctx context.Context, name string) error {
	name, err := checkName(name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, name); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "project deleted", "project", name)
	return nil
}

// Export writes the current graph as an indented snapshot document.
func (s *Service) Export(w io.Writer, name string) error {
	return WriteDocument(w, s.g.Snapshot(strings.TrimSpace(name)))
}

// WriteDocument encodes snap as an indented snapshot document.
func WriteDocument(w io.Writer, snap schema.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return schema.NewError(schema.ErrCodeStore, "write snapshot document").WithCause(err)
	}
	return nil
}

// Import reads a snapshot document and applies it. The document is fully
// validated first; any failure leaves the graph unchanged.
func (s *Service) Import(ctx context.Context, r io.Reader, mode Mode) (*ImportResult, error) {
	doc, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "read snapshot document").WithCause(err)
	}
	if len(doc) > MaxDocumentSize {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "snapshot document exceeds %d bytes", MaxDocumentSize)
	}
	return s.ImportDocument(ctx, doc, mode)
}

// ImportDocument is Import over an in-memory document.
func (s *Service) ImportDocument(ctx context.Context, doc []byte, mode Mode) (*ImportResult, error) {
	snap, warnings, err := s.validator.Decode(bytes.TrimSpace(doc))
	if err != nil {
		s.logger.WarnContext(ctx, "import rejected", "error", err)
		return nil, err
	}

	res := &ImportResult{Mode: mode, Nodes: len(snap.Nodes), Connections: len(snap.Connections)}
	for _, w := range warnings {
		res.Warnings = append(res.Warnings, w.Message)
	}

	switch mode {
	case ModeReplace, "":
		res.Mode = ModeReplace
		err = s.g.Replace(*snap)
	case ModeMerge:
		var merged schema.Snapshot
		merged, res.IDs = reID(*snap, s.newID)
		err = s.g.Merge(merged)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown import mode %q", mode)
	}
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "snapshot imported", "mode", res.Mode, "nodes", res.Nodes, "connections", res.Connections)
	s.publish(ctx, schema.EventProjectImported, res)
	return res, nil
}

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.hub == nil {
		return
	}
	if err := s.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{EventType: eventType, Payload: payload}); err != nil {
		s.logger.DebugContext(ctx, "publish project event", "event", eventType, "error", err)
	}
}

// reID gives every node a fresh id and rewrites connections to match.
func reID(snap schema.Snapshot, newID func() string) (schema.Snapshot, map[string]string) {
	ids := make(map[string]string, len(snap.Nodes))
	out := snap
	out.Nodes = make([]schema.SnapshotNode, len(snap.Nodes))
	for i, n := range snap.Nodes {
		id := newID()
		ids[n.ID] = id
		n.ID = id
		out.Nodes[i] = n
	}
	out.Connections = make([]schema.Connection, len(snap.Connections))
	for i, c := range snap.Connections {
		c.FromNodeID = ids[c.FromNodeID]
		c.ToNodeID = ids[c.ToNodeID]
		out.Connections[i] = c
	}
	return out, ids
}

func info(p *store.Project) *schema.ProjectInfo {
	return &schema.ProjectInfo{
		Name:      p.Name,
		NodeCount: p.NodeCount,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
