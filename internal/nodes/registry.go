// Package nodes is the closed catalog of node kinds: their ports, default
// fields, phases, required credentials and operations.
package nodes

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/rendis/sitegraph/internal/capability"
	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/expressions"
	"github.com/rendis/sitegraph/pkg/schema"
)

// Definition describes one node kind.
type Definition struct {
	Kind  schema.NodeKind
	Label string
	// Ports lists the input ports; nil means the kind takes no input.
	Ports []string
	// Output is false for sink kinds that only display their inputs.
	Output   bool
	Defaults func() map[string]any
	// Phases is the closed phase enum of a run, from preparing to complete.
	Phases    []schema.Phase
	Providers []string
	// Threshold is a CEL expression over output deciding whether a partial
	// result still counts as success.
	Threshold string
	// Derive computes the output of a passive kind from its effective inputs.
	Derive func(inputs map[string]any) map[string]any
	Run    func(d *Deps) engine.Operation
}

// Runnable reports whether the kind has a run operation.
func (d *Definition) Runnable() bool { return d.Run != nil }

// Deps are the collaborators node operations call.
type Deps struct {
	Caps         capability.Set
	Model        string
	ItemDelay    time.Duration
	Retry        *schema.RetryPolicy
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Registry holds every Definition. It satisfies graph.Catalog and
// engine.SpecResolver.
type Registry struct {
	defs  map[schema.NodeKind]*Definition
	order []schema.NodeKind
	deps  *Deps
	cel   *expressions.CELEngine
}

// NewRegistry builds the registry of all built-in kinds.
func NewRegistry(deps *Deps) (*Registry, error) {
	if deps == nil {
		deps = &Deps{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{defs: make(map[schema.NodeKind]*Definition), deps: deps, cel: cel}
	for _, def := range builtin() {
		if def.Threshold != "" {
			if err := cel.Check(def.Threshold); err != nil {
				return nil, err
			}
		}
		r.defs[def.Kind] = def
		r.order = append(r.order, def.Kind)
	}
	return r, nil
}

// Definition returns the definition of kind.
func (r *Registry) Definition(kind schema.NodeKind) (*Definition, bool) {
	d, ok := r.defs[kind]
	return d, ok
}

// Kinds lists every kind in catalog order.
func (r *Registry) Kinds() []schema.NodeKind {
	out := make([]schema.NodeKind, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Known(kind schema.NodeKind) bool {
	_, ok := r.defs[kind]
	return ok
}

func (r *Registry) InputPorts(kind schema.NodeKind) []string {
	if d, ok := r.defs[kind]; ok {
		return d.Ports
	}
	return nil
}

func (r *Registry) HasOutput(kind schema.NodeKind) bool {
	d, ok := r.defs[kind]
	return ok && d.Output
}

func (r *Registry) Defaults(kind schema.NodeKind) map[string]any {
	d, ok := r.defs[kind]
	if !ok || d.Defaults == nil {
		return map[string]any{}
	}
	return d.Defaults()
}

// Providers lists the credentials a run of kind needs.
func (r *Registry) Providers(kind schema.NodeKind) []string {
	if d, ok := r.defs[kind]; ok {
		return d.Providers
	}
	return nil
}

// Phases returns the phase enum of kind.
func (r *Registry) Phases(kind schema.NodeKind) []schema.Phase {
	if d, ok := r.defs[kind]; ok {
		return d.Phases
	}
	return nil
}

// Derive computes a passive node's output. ok is false for kinds whose
// output only comes from runs.
func (r *Registry) Derive(kind schema.NodeKind, inputs map[string]any) (map[string]any, bool) {
	d, found := r.defs[kind]
	if !found || d.Derive == nil {
		return nil, false
	}
	return d.Derive(inputs), true
}

// RunSpec builds the run request for node.
func (r *Registry) RunSpec(node *schema.Node) (engine.RunSpec, error) {
	d, ok := r.defs[node.Kind]
	if !ok {
		return engine.RunSpec{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown node type: %s", node.Kind)
	}
	if d.Run == nil {
		return engine.RunSpec{}, schema.NewErrorf(schema.ErrCodeValidation, "%s nodes have nothing to run", d.Label).
			WithNode(node.ID)
	}
	spec := engine.RunSpec{Kind: d.Kind, Op: d.Run(r.deps)}
	if d.Threshold != "" {
		spec.Usable = r.usable(d.Threshold)
	}
	return spec, nil
}

func (r *Registry) usable(threshold string) func(ctx context.Context, output map[string]any) (bool, error) {
	return func(ctx context.Context, output map[string]any) (bool, error) {
		return r.cel.EvaluateBool(ctx, threshold, map[string]any{"output": output})
	}
}
