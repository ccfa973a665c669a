// Package capability defines the external services node runs depend on and
// their implementations. The engine treats each one as an opaque call that
// either produces output or fails with a classified error.
package capability

import (
	"context"
)

// CompletionOptions tune one LLM completion.
type CompletionOptions struct {
	System      string
	Temperature *float32
	MaxTokens   int
	JSON        bool
}

// LLM completes a prompt.
type LLM interface {
	Complete(ctx context.Context, prompt, model string, opts CompletionOptions) (string, error)
}

// SearchResult carries the structured signals of one search. CacheHit is set
// when the result came from the search cache.
type SearchResult struct {
	Query    string         `json:"query"`
	Location string         `json:"location,omitempty"`
	Signals  map[string]any `json:"signals"`
	CacheHit bool           `json:"-"`
}

// Search runs a location-scoped web search.
type Search interface {
	Search(ctx context.Context, query, location string) (*SearchResult, error)
}

// Discovery finds and enriches local providers.
type Discovery interface {
	Discover(ctx context.Context, category, location string, limit int) ([]map[string]any, error)
	Enrich(ctx context.Context, item map[string]any) (map[string]any, error)
}

// Image is a generated image.
type Image struct {
	Data          []byte `json:"-"`
	URL           string `json:"url,omitempty"`
	MIME          string `json:"mime,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ImageGen generates an image from a prompt.
type ImageGen interface {
	GenerateImage(ctx context.Context, prompt, aspectRatio string) (*Image, error)
}

// Deployment statuses reported by a Deployer.
const (
	DeployQueued   = "queued"
	DeployBuilding = "building"
	DeployReady    = "ready"
	DeployError    = "error"
)

// Deployment is the state of one site deployment.
type Deployment struct {
	ID     string `json:"id"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the deployment reached ready or error.
func (d *Deployment) Terminal() bool {
	return d.Status == DeployReady || d.Status == DeployError
}

// Deployer publishes a set of files and reports deployment status.
type Deployer interface {
	Deploy(ctx context.Context, files map[string]string, project string) (*Deployment, error)
	Status(ctx context.Context, id string) (*Deployment, error)
}

// Set bundles the capabilities node operations may call. Nil members are
// unavailable.
type Set struct {
	LLM       LLM
	Search    Search
	Discovery Discovery
	Images    ImageGen
	Deployer  Deployer
}

// KeyFunc returns the credential for a provider at call time.
type KeyFunc func(ctx context.Context) (string, error)

// StaticKey returns a KeyFunc that always yields key.
func StaticKey(key string) KeyFunc {
	return func(context.Context) (string, error) { return key, nil }
}
