package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// MemoryStore is a Store kept entirely in process memory. Used for
// ephemeral sessions (db_path ":memory:") and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	events   []*Event
	seq      map[string]int64
	secrets  map[string][]byte
	searches map[string]*CachedSearch
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		seq:      make(map[string]int64),
		secrets:  make(map[string][]byte),
		searches: make(map[string]*CachedSearch),
	}
}

func (m *MemoryStore) SaveProject(_ context.Context, p *Project) error {
	if p.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "project name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := *p
	cp.Document = append([]byte(nil), p.Document...)
	if existing, ok := m.projects[p.Name]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = timeOrNow(p.CreatedAt)
	}
	cp.UpdatedAt = now
	m.projects[p.Name] = &cp
	p.UpdatedAt = now
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, name string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[name]
	if !ok {
		return nil, storeNotFound("project", name)
	}
	cp := *p
	cp.Document = append([]byte(nil), p.Document...)
	return &cp, nil
}

func (m *MemoryStore) ListProjects(_ context.Context) ([]*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		cp.Document = nil
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[name]; !ok {
		return storeNotFound("project", name)
	}
	delete(m.projects, name)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.seq[event.NodeID]++
	event.ID = m.nextID
	event.Sequence = m.seq[event.NodeID]
	event.Timestamp = timeOrNow(event.Timestamp)
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, nodeID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.NodeID == nodeID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.Type != eventType {
			continue
		}
		if filter.NodeID != "" && e.NodeID != filter.NodeID {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(m.secrets, key)
	return nil
}

func (m *MemoryStore) ListSecrets(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.secrets))
	for k := range m.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) GetCachedSearch(_ context.Context, key string, now time.Time) (*CachedSearch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.searches[key]
	if !ok || !c.ExpiresAt.After(now) {
		return nil, storeNotFound("cached search", key)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) PutCachedSearch(_ context.Context, entry *CachedSearch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.CreatedAt = timeOrNow(entry.CreatedAt)
	m.searches[entry.Key] = &cp
	return nil
}

func (m *MemoryStore) PurgeExpiredSearches(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, c := range m.searches {
		if !c.ExpiresAt.After(now) {
			delete(m.searches, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

var _ Store = (*MemoryStore)(nil)
