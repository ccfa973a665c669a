package secrets

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/rendis/sitegraph/pkg/schema"
)

// Provider keys. A node kind declares which of these it needs before a run
// may start.
const (
	ProviderLLM       = "llm"
	ProviderImage     = "image"
	ProviderSearch    = "search"
	ProviderDiscovery = "discovery"
	ProviderDeploy    = "deploy"
)

// Providers lists every known provider key.
var Providers = []string{ProviderLLM, ProviderImage, ProviderSearch, ProviderDiscovery, ProviderDeploy}

var providerLabels = map[string]string{
	ProviderLLM:       "LLM",
	ProviderImage:     "Image generation",
	ProviderSearch:    "Search",
	ProviderDiscovery: "Discovery",
	ProviderDeploy:    "Deploy",
}

// envAliases are conventional variable names accepted besides SITEGRAPH_KEY_*.
var envAliases = map[string][]string{
	ProviderLLM:    {"OPENAI_API_KEY"},
	ProviderImage:  {"OPENAI_API_KEY"},
	ProviderSearch: {"SERPAPI_KEY"},
	ProviderDeploy: {"VERCEL_TOKEN"},
}

// Label returns the display name of a provider.
func Label(provider string) string {
	if l, ok := providerLabels[provider]; ok {
		return l
	}
	return provider
}

// EnvVar returns the primary environment variable for a provider key.
func EnvVar(provider string) string {
	return "SITEGRAPH_KEY_" + strings.ToUpper(provider)
}

// Unavailable builds the error a run is refused with when a provider key is missing.
func Unavailable(provider string) *schema.SitegraphError {
	return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
		"%s key required — add it in Settings", Label(provider)).
		WithDetails(map[string]any{"provider": provider})
}

// Credentials answers capability questions over the vault.
type Credentials struct {
	vault Vault
}

// NewCredentials wraps a vault.
func NewCredentials(v Vault) *Credentials {
	return &Credentials{vault: v}
}

// Has reports whether a non-empty credential is stored for provider.
func (c *Credentials) Has(ctx context.Context, provider string) bool {
	v, err := c.Get(ctx, provider)
	return err == nil && v != ""
}

// Get returns the credential for provider, or a CAPABILITY_UNAVAILABLE error.
func (c *Credentials) Get(ctx context.Context, provider string) (string, error) {
	if c == nil || c.vault == nil {
		return "", Unavailable(provider)
	}
	raw, err := c.vault.Resolve(ctx, provider)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return "", Unavailable(provider)
		}
		return "", err
	}
	if len(raw) == 0 {
		return "", Unavailable(provider)
	}
	return string(raw), nil
}

// Require returns the first missing provider's error, or nil.
func (c *Credentials) Require(ctx context.Context, providers ...string) error {
	for _, p := range providers {
		if _, err := c.Get(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Set stores a credential.
func (c *Credentials) Set(ctx context.Context, provider, value string) error {
	if strings.TrimSpace(value) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "empty credential for %s", provider)
	}
	return c.vault.Store(ctx, provider, []byte(value))
}

// Remove deletes a credential. Removing a missing one is not an error.
func (c *Credentials) Remove(ctx context.Context, provider string) error {
	err := c.vault.Delete(ctx, provider)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

// Configured returns the provider keys that currently hold a credential.
func (c *Credentials) Configured(ctx context.Context) ([]string, error) {
	keys, err := c.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	var out []string
	for _, p := range Providers {
		if set[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

// SeedFromEnv copies provider keys found in envFile (dotenv format, optional)
// and the process environment into the vault. Process variables win over the
// file. Returns the providers that were seeded.
func SeedFromEnv(ctx context.Context, c *Credentials, envFile string) ([]string, error) {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read env file %s: %s", envFile, err.Error()).WithCause(err)
		}
	}

	lookup := func(name string) string {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		return fileVars[name]
	}

	var seeded []string
	for _, p := range Providers {
		names := append([]string{EnvVar(p)}, envAliases[p]...)
		for _, name := range names {
			v := strings.TrimSpace(lookup(name))
			if v == "" {
				continue
			}
			if err := c.Set(ctx, p, v); err != nil {
				return seeded, err
			}
			seeded = append(seeded, p)
			break
		}
	}
	return seeded, nil
}
