package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/logging"
	"github.com/rendis/sitegraph/internal/panel"
	"github.com/rendis/sitegraph/internal/propagation"
	"github.com/rendis/sitegraph/internal/scheduler"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/pkg/mcp"
	"github.com/rendis/sitegraph/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

type serveFlags struct {
	load  string
	noMCP bool
}

var serveF serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the graph over MCP (stdio) and the web panel",
	Long: `Starts the graph engine and exposes it to an MCP client over stdin/stdout.
With panel enabled the web panel and /metrics listen on listen_addr.
SIGHUP reloads the settings file; only log_level applies without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveF.load, "load", "", "project to load on startup")
	serveCmd.Flags().BoolVar(&serveF.noMCP, "no-mcp", false, "run without the stdio MCP server (panel only)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	creds, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	a.wireCapabilities(creds)

	prop := propagation.New(a.graph,
		propagation.WithDeriver(a.registry),
		propagation.WithLogger(logger.With("component", "propagation")),
	)
	if err := prop.Start(ctx); err != nil {
		return err
	}
	defer prop.Close()

	events := store.NewEventLog(a.db)
	ctrl := engine.NewController(engine.ControllerConfig{
		Graph:       a.graph,
		Specs:       a.registry,
		Credentials: creds,
		Events:      events,
		Hub:         a.hub,
		PoolSize:    cfg.PoolSize,
		Logger:      logger.With("component", "engine"),
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ctrl.Shutdown(sctx); err != nil {
			logger.Warn("controller shutdown", "error", err)
		}
	}()

	stopForward := streaming.ForwardGraph(ctx, a.hub, a.graph)
	defer stopForward()

	if err := loadInitial(ctx, a); err != nil {
		return err
	}

	sched, autosave, err := buildScheduler(a)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := sched.Start(gctx); err != nil {
		return err
	}
	defer sched.Stop()

	if cfg.Panel {
		srv := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: panel.NewServer(panel.Deps{
				Graph:  a.graph,
				Runs:   ctrl,
				RunLog: events,
				Hub:    a.hub,
				Logger: logger.With("component", "panel"),
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("panel listening", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if !serveF.noMCP {
		mcpSrv := mcp.NewServer(mcp.ServerDeps{
			Graph:    a.graph,
			Runs:     ctrl,
			Projects: a.projects,
			Hub:      a.hub,
			Logger:   logger.With("component", "mcp"),
		})
		g.Go(func() error {
			logger.Info("mcp server listening on stdio")
			err := mcpSrv.Serve(gctx)
			// The client went away; take the rest down with it.
			stop()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		watchReload(gctx, a)
		return nil
	})

	err = g.Wait()
	if autosave != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := autosave.Run(sctx); serr != nil {
			logger.Warn("final autosave failed", "error", serr)
		}
	}
	return err
}

// loadInitial loads --load, or the autosave project when autosave is on.
// A missing autosave project is not an error.
func loadInitial(ctx context.Context, a *app) error {
	if serveF.load != "" {
		return a.projects.Load(ctx, serveF.load)
	}
	if a.cfg.Autosave == "" {
		return nil
	}
	err := a.projects.Load(ctx, a.cfg.Project)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil
	}
	return err
}

func buildScheduler(a *app) (*scheduler.Scheduler, *scheduler.Autosave, error) {
	logger := a.logger.With("component", "scheduler")
	sched := scheduler.NewScheduler(logger)

	if a.cfg.CachePurge != "" {
		if err := sched.Add("search-cache-purge", a.cfg.CachePurge, scheduler.PurgeSearchCache(a.db, logger)); err != nil {
			return nil, nil, err
		}
	}
	if a.cfg.Autosave == "" {
		return sched, nil, nil
	}
	autosave := scheduler.NewAutosave(a.projects, a.graph, a.cfg.Project, logger)
	if err := sched.Add("autosave", a.cfg.Autosave, autosave.Run); err != nil {
		return nil, nil, err
	}
	return sched, autosave, nil
}

// watchReload re-reads the settings on SIGHUP. Only the log level is
// applied live; other changes are reported.
func watchReload(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			next, err := resolveConfig()
			if err != nil {
				a.logger.Error("reload settings", "error", err)
				continue
			}
			d := diffConfigs(a.cfg, next)
			if d.LogLevelChanged {
				a.level.Set(logging.ParseLevel(next.LogLevel))
				a.cfg.LogLevel = next.LogLevel
				a.logger.Info("log level changed", "level", next.LogLevel)
			}
			if len(d.RestartNeeded) > 0 {
				a.logger.Warn("settings changed that need a restart", "fields", d.RestartNeeded)
			}
		}
	}
}
