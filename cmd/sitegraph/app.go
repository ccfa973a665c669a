package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/sitegraph/internal/capability"
	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/logging"
	"github.com/rendis/sitegraph/internal/nodes"
	"github.com/rendis/sitegraph/internal/project"
	"github.com/rendis/sitegraph/internal/secrets"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/internal/streaming"
)

// app is the stack every command shares: the store, the kind registry, the
// live graph and the project service. Credentials open lazily since they
// need the vault passphrase.
type app struct {
	cfg      Config
	logger   *slog.Logger
	level    *slog.LevelVar
	db       *store.LibSQLStore
	deps     *nodes.Deps
	registry *nodes.Registry
	graph    *graph.Graph
	hub      *streaming.MemoryHub
	projects *project.Service
	creds    *secrets.Credentials
}

// newLogger writes text logs to w. stdout is reserved for MCP.
func newLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(logging.ParseLevel(level))
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return slog.New(logging.NewCorrelationHandler(h)), lv
}

func openApp(ctx context.Context, cfg Config) (*app, error) {
	logger, level := newLogger(os.Stderr, cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, level: level, db: db, hub: streaming.NewMemoryHub()}
	a.deps = &nodes.Deps{
		Model:     cfg.LLMModel,
		ItemDelay: cfg.itemDelay(),
		Retry:     cfg.Retry,
		Logger:    logger.With("component", "nodes"),
	}
	a.registry, err = nodes.NewRegistry(a.deps)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	a.graph = graph.New(a.registry,
		graph.WithAdapter(nodes.NewAdapters()),
		graph.WithLogger(logger.With("component", "graph")),
	)
	a.projects, err = project.New(a.graph, db,
		project.WithLogger(logger.With("component", "project")),
		project.WithHub(a.hub),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// credentials opens the vault and seeds it from the environment once.
func (a *app) credentials(ctx context.Context) (*secrets.Credentials, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	if a.cfg.VaultPassphrase == "" {
		return nil, fmt.Errorf("vault_passphrase is required (set SITEGRAPH_VAULT_PASSPHRASE)")
	}
	vault, err := secrets.NewAESVault(ctx, a.db, secrets.VaultConfig{Passphrase: a.cfg.VaultPassphrase})
	if err != nil {
		return nil, err
	}
	creds := secrets.NewCredentials(vault)
	seeded, err := secrets.SeedFromEnv(ctx, creds, a.cfg.EnvFile)
	if err != nil {
		return nil, err
	}
	if len(seeded) > 0 {
		a.logger.Info("seeded credentials from environment", "providers", seeded)
	}
	a.creds = creds
	return creds, nil
}

// wireCapabilities installs the external services into the registry's deps.
// Endpoints left empty stay nil; runs needing them fail with a clear error.
func (a *app) wireCapabilities(creds *secrets.Credentials) {
	deps := a.deps
	key := func(provider string) capability.KeyFunc {
		return func(ctx context.Context) (string, error) { return creds.Get(ctx, provider) }
	}
	logger := a.logger.With("component", "capability")

	llmOpts := []capability.OpenAIOption{capability.WithOpenAILogger(logger)}
	if a.cfg.LLMBaseURL != "" {
		llmOpts = append(llmOpts, capability.WithBaseURL(a.cfg.LLMBaseURL))
	}
	if a.cfg.LLMModel != "" {
		llmOpts = append(llmOpts, capability.WithModel(a.cfg.LLMModel))
	}
	deps.Caps.LLM = capability.NewOpenAI(key(secrets.ProviderLLM), llmOpts...)
	deps.Caps.Images = capability.NewOpenAI(key(secrets.ProviderImage), llmOpts...)

	client := func(url, provider string) *capability.JSONClient {
		return capability.NewJSONClient(url, key(provider),
			capability.WithRateLimit(a.cfg.RateLimit, 1),
			capability.WithClientLogger(logger.With("provider", provider)),
		)
	}
	if a.cfg.SearchURL != "" {
		search := capability.NewHTTPSearch(client(a.cfg.SearchURL, secrets.ProviderSearch))
		deps.Caps.Search = capability.NewCachedSearch(search, a.db, a.cfg.searchCacheTTL(), logger)
	}
	if a.cfg.DiscoveryURL != "" {
		deps.Caps.Discovery = capability.NewHTTPDiscovery(client(a.cfg.DiscoveryURL, secrets.ProviderDiscovery))
	}
	if a.cfg.DeployURL != "" {
		deps.Caps.Deployer = capability.NewHTTPDeployer(client(a.cfg.DeployURL, secrets.ProviderDeploy))
	}
}

func (a *app) Close() error {
	return a.db.Close()
}
