package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("libsql", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound), "got %v", err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestProjects(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.GetProject(ctx, "demo")
		assertNotFound(t, err)

		require.NoError(t, s.SaveProject(ctx, &Project{Name: "demo", Document: json.RawMessage(`{"version":1}`), NodeCount: 2}))
		got, err := s.GetProject(ctx, "demo")
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":1}`, string(got.Document))
		assert.Equal(t, 2, got.NodeCount)
		created := got.CreatedAt

		// Saving again overwrites the document and keeps creation time.
		require.NoError(t, s.SaveProject(ctx, &Project{Name: "demo", Document: json.RawMessage(`{"version":1,"nodes":[]}`), NodeCount: 0}))
		got, err = s.GetProject(ctx, "demo")
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":1,"nodes":[]}`, string(got.Document))
		assert.WithinDuration(t, created, got.CreatedAt, time.Second)

		require.NoError(t, s.SaveProject(ctx, &Project{Name: "other", Document: json.RawMessage(`{}`)}))
		list, err := s.ListProjects(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		names := []string{list[0].Name, list[1].Name}
		assert.ElementsMatch(t, []string{"demo", "other"}, names)
		assert.Nil(t, list[0].Document)

		require.NoError(t, s.DeleteProject(ctx, "demo"))
		assertNotFound(t, s.DeleteProject(ctx, "demo"))

		err = s.SaveProject(ctx, &Project{Name: ""})
		assert.True(t, schema.IsValidation(err))
	})
}

func TestEvents_SequencePerNode(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendEvent(ctx, &Event{NodeID: "a", RunID: "r1", Type: schema.EventRunProgress}))
		}
		e := &Event{NodeID: "b", Type: schema.EventRunStarted, Payload: json.RawMessage(`{"x":1}`)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(1), e.Sequence)

		events, err := s.GetEvents(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Sequence)
			assert.Equal(t, "r1", ev.RunID)
		}

		events, err = s.GetEvents(ctx, "a", 2)
		require.NoError(t, err)
		require.Len(t, events, 1)

		events, err = s.GetEvents(ctx, "b", 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.JSONEq(t, `{"x":1}`, string(events[0].Payload))
	})
}

func TestEvents_ByType(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.AppendEvent(ctx, &Event{NodeID: "a", RunID: "r1", Type: schema.EventRunFailed}))
		require.NoError(t, s.AppendEvent(ctx, &Event{NodeID: "b", RunID: "r2", Type: schema.EventRunFailed}))
		require.NoError(t, s.AppendEvent(ctx, &Event{NodeID: "a", RunID: "r3", Type: schema.EventRunCompleted}))

		all, err := s.GetEventsByType(ctx, schema.EventRunFailed, EventFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		onlyA, err := s.GetEventsByType(ctx, schema.EventRunFailed, EventFilter{NodeID: "a"})
		require.NoError(t, err)
		require.Len(t, onlyA, 1)
		assert.Equal(t, "r1", onlyA[0].RunID)

		limited, err := s.GetEventsByType(ctx, schema.EventRunFailed, EventFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestSecrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreSecret(ctx, "llm", []byte("v1")))
		require.NoError(t, s.StoreSecret(ctx, "llm", []byte("v2")))
		require.NoError(t, s.StoreSecret(ctx, "search", []byte("s")))

		v, err := s.GetSecret(ctx, "llm")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)

		keys, err := s.ListSecrets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"llm", "search"}, keys)

		require.NoError(t, s.DeleteSecret(ctx, "llm"))
		_, err = s.GetSecret(ctx, "llm")
		assertNotFound(t, err)
		assertNotFound(t, s.DeleteSecret(ctx, "llm"))
	})
}

func TestSearchCache(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		require.NoError(t, s.PutCachedSearch(ctx, &CachedSearch{
			Key: "k1", Query: "dentists", Location: "Austin, TX",
			Response: json.RawMessage(`{"results":[]}`), ExpiresAt: now.Add(time.Hour),
		}))
		require.NoError(t, s.PutCachedSearch(ctx, &CachedSearch{
			Key: "k2", Query: "old", Response: json.RawMessage(`{}`), ExpiresAt: now.Add(-time.Minute),
		}))

		got, err := s.GetCachedSearch(ctx, "k1", now)
		require.NoError(t, err)
		assert.Equal(t, "dentists", got.Query)
		assert.Equal(t, "Austin, TX", got.Location)
		assert.JSONEq(t, `{"results":[]}`, string(got.Response))

		_, err = s.GetCachedSearch(ctx, "k2", now)
		assertNotFound(t, err)

		_, err = s.GetCachedSearch(ctx, "k1", now.Add(2*time.Hour))
		assertNotFound(t, err)

		n, err := s.PurgeExpiredSearches(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}
