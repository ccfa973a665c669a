package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// Saver stores the live graph as a project. project.Service satisfies it.
type Saver interface {
	Save(ctx context.Context, name string) (*schema.ProjectInfo, error)
}

// Revisioner reports the graph mutation counter. graph.Graph satisfies it.
type Revisioner interface {
	Revision() uint64
}

// Autosave saves the graph under a fixed project name, skipping runs where
// the graph revision has not moved since the last successful save.
type Autosave struct {
	saver   Saver
	graph   Revisioner
	project string
	logger  *slog.Logger

	mu      sync.Mutex
	saved   bool
	lastRev uint64
}

// NewAutosave creates the autosave job body.
func NewAutosave(saver Saver, g Revisioner, project string, logger *slog.Logger) *Autosave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosave{saver: saver, graph: g, project: project, logger: logger}
}

// Run performs one autosave.
func (a *Autosave) Run(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rev := a.graph.Revision()
	if a.saved && rev == a.lastRev {
		a.logger.Debug("autosave skipped, graph unchanged", "project", a.project, "revision", rev)
		return nil
	}
	if _, err := a.saver.Save(ctx, a.project); err != nil {
		return err
	}
	a.saved = true
	a.lastRev = rev
	a.logger.Info("autosaved", "project", a.project, "revision", rev)
	return nil
}

// Purger drops expired search cache entries. store.Store satisfies it.
type Purger interface {
	PurgeExpiredSearches(ctx context.Context, now time.Time) (int64, error)
}

// PurgeSearchCache returns a job that removes expired cached searches.
func PurgeSearchCache(p Purger, logger *slog.Logger) JobFunc {
	return func(ctx context.Context) error {
		n, err := p.PurgeExpiredSearches(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if n > 0 && logger != nil {
			logger.Info("purged expired search cache entries", "count", n)
		}
		return nil
	}
}
