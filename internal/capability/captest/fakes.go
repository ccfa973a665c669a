// Package captest provides in-memory capability fakes for tests.
package captest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rendis/sitegraph/internal/capability"
)

// LLM answers completions with Fn, or echoes the prompt.
type LLM struct {
	Fn func(ctx context.Context, prompt, model string) (string, error)

	mu      sync.Mutex
	Prompts []string
}

func (f *LLM) Complete(ctx context.Context, prompt, model string, _ capability.CompletionOptions) (string, error) {
	f.mu.Lock()
	f.Prompts = append(f.Prompts, prompt)
	f.mu.Unlock()
	if f.Fn != nil {
		return f.Fn(ctx, prompt, model)
	}
	return "echo: " + prompt, nil
}

// Calls returns how many completions were requested.
func (f *LLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}

// Search returns Results by query, failing for queries listed in Errors.
type Search struct {
	Results map[string]map[string]any
	Errors  map[string]error

	mu    sync.Mutex
	calls int
}

func (f *Search) Search(_ context.Context, query, location string) (*capability.SearchResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.Errors[query]; ok {
		return nil, err
	}
	signals, ok := f.Results[query]
	if !ok {
		signals = map[string]any{"query": query, "score": 1}
	}
	return &capability.SearchResult{Query: query, Location: location, Signals: signals}, nil
}

// Calls returns how many searches reached the fake.
func (f *Search) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Discovery returns Items per category and marks enriched items.
type Discovery struct {
	Items       map[string][]map[string]any
	EnrichError map[string]error
}

func (f *Discovery) Discover(_ context.Context, category, _ string, limit int) ([]map[string]any, error) {
	items := f.Items[category]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (f *Discovery) Enrich(_ context.Context, item map[string]any) (map[string]any, error) {
	name := fmt.Sprint(item["name"])
	if err, ok := f.EnrichError[name]; ok {
		return nil, err
	}
	out := make(map[string]any, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	out["enriched"] = true
	return out, nil
}

// Images returns a fixed PNG header per prompt.
type Images struct {
	Err error
}

func (f *Images) GenerateImage(_ context.Context, prompt, _ string) (*capability.Image, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return &capability.Image{Data: []byte("\x89PNG" + prompt), MIME: "image/png"}, nil
}

// Deployer walks through Statuses on successive Status calls.
type Deployer struct {
	Statuses []string

	mu    sync.Mutex
	polls int
	Files map[string]string
}

func (f *Deployer) Deploy(_ context.Context, files map[string]string, project string) (*capability.Deployment, error) {
	f.mu.Lock()
	f.Files = files
	f.mu.Unlock()
	return &capability.Deployment{ID: "dep-" + project, Status: capability.DeployQueued}, nil
}

func (f *Deployer) Status(_ context.Context, id string) (*capability.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := capability.DeployReady
	if f.polls < len(f.Statuses) {
		status = f.Statuses[f.polls]
	}
	f.polls++
	d := &capability.Deployment{ID: id, Status: status}
	if status == capability.DeployReady {
		d.URL = "https://" + id + ".example.app"
	}
	return d, nil
}

// Polls returns how many status checks were made.
func (f *Deployer) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

var (
	_ capability.LLM       = (*LLM)(nil)
	_ capability.Search    = (*Search)(nil)
	_ capability.Discovery = (*Discovery)(nil)
	_ capability.ImageGen  = (*Images)(nil)
	_ capability.Deployer  = (*Deployer)(nil)
)
