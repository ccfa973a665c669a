package panel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/sitegraph/internal/engine"
	"github.com/rendis/sitegraph/internal/graph"
	"github.com/rendis/sitegraph/internal/nodes"
	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/internal/streaming"
	"github.com/rendis/sitegraph/pkg/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRuns struct {
	mu      sync.Mutex
	started []string
	running map[string]bool
	err     error
}

func (f *fakeRuns) Run(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.running[id] {
		return false, nil
	}
	f.running[id] = true
	f.started = append(f.started, id)
	return true, nil
}

func (f *fakeRuns) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	was := f.running[id]
	delete(f.running, id)
	return was
}

func (f *fakeRuns) Running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeRuns) PoolMetrics() engine.PoolMetrics { return engine.PoolMetrics{Size: 4} }

type fixture struct {
	g    *graph.Graph
	runs *fakeRuns
	db   *store.MemoryStore
	hub  *streaming.MemoryHub
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := nodes.NewRegistry(nil)
	require.NoError(t, err)
	f := &fixture{
		g:    graph.New(reg, graph.WithAdapter(nodes.NewAdapters()), graph.WithLogger(quiet)),
		runs: &fakeRuns{running: map[string]bool{}},
		db:   store.NewMemoryStore(),
		hub:  streaming.NewMemoryHub(),
	}
	s := NewServer(Deps{Graph: f.g, Runs: f.runs, RunLog: store.NewEventLog(f.db), Hub: f.hub, Logger: quiet})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) chain(t *testing.T) (string, string) {
	t.Helper()
	loc, err := f.g.AddNode(schema.KindLocation, map[string]any{"city": "Austin", "state": "TX"}, schema.Position{})
	require.NoError(t, err)
	res, err := f.g.AddNode(schema.KindResearch, nil, schema.Position{X: 200})
	require.NoError(t, err)
	require.NoError(t, f.g.Connect(schema.Connection{FromNodeID: loc.ID, FromPort: schema.OutputPort, ToNodeID: res.ID, ToPort: schema.DefaultPort}))
	return loc.ID, res.ID
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func post(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestGraphEndpoint(t *testing.T) {
	f := newFixture(t)

	var empty graphView
	assert.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/graph", &empty))
	assert.Empty(t, empty.Nodes)

	loc, res := f.chain(t)
	var view graphView
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/graph", &view))
	require.Len(t, view.Nodes, 2)
	assert.Equal(t, loc, view.Nodes[0].ID)
	require.Len(t, view.Connections, 1)
	assert.Equal(t, res, view.Connections[0].ToNodeID)
	assert.Equal(t, f.g.Revision(), view.Revision)
}

func TestNodeEndpoint(t *testing.T) {
	f := newFixture(t)
	loc, _ := f.chain(t)

	var n schema.Node
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/nodes/"+loc, &n))
	assert.Equal(t, schema.KindLocation, n.Kind)

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, getJSON(t, f.srv.URL+"/api/nodes/nope", &body))
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestRunAndStop(t *testing.T) {
	f := newFixture(t)
	_, res := f.chain(t)

	var body map[string]any
	assert.Equal(t, http.StatusAccepted, post(t, f.srv.URL+"/api/nodes/"+res+"/run", &body))
	assert.Equal(t, true, body["started"])

	assert.Equal(t, http.StatusOK, post(t, f.srv.URL+"/api/nodes/"+res+"/run", &body))
	assert.Equal(t, false, body["started"], "second start is a no-op")

	var runs map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/runs", &runs))
	assert.Equal(t, []any{res}, runs["running"])

	assert.Equal(t, http.StatusOK, post(t, f.srv.URL+"/api/nodes/"+res+"/stop", &body))
	assert.Equal(t, true, body["stopped"])

	assert.Equal(t, http.StatusNotFound, post(t, f.srv.URL+"/api/nodes/ghost/stop", &body))
}

func TestRunRefusedMapsToStatus(t *testing.T) {
	f := newFixture(t)
	_, res := f.chain(t)
	f.runs.err = schema.NewError(schema.ErrCodeCapabilityUnavailable, "Search key required")

	var body map[string]any
	assert.Equal(t, http.StatusPreconditionFailed, post(t, f.srv.URL+"/api/nodes/"+res+"/run", &body))
	assert.Equal(t, "Search key required", body["error"])
	assert.Equal(t, schema.ErrCodeCapabilityUnavailable, body["code"])
}

func TestNodeEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := store.NewEventLog(f.db)
	require.NoError(t, log.AppendEvent(ctx, &store.Event{NodeID: "n1", Type: schema.EventRunStarted}))
	require.NoError(t, log.AppendEvent(ctx, &store.Event{NodeID: "n1", Type: schema.EventRunCompleted}))
	require.NoError(t, log.AppendEvent(ctx, &store.Event{NodeID: "n2", Type: schema.EventRunStarted}))

	var body struct {
		Events []store.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/nodes/n1/events", &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, schema.EventRunStarted, body.Events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, body.Events[1].Type)

	var since struct {
		Events []store.Event `json:"events"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/nodes/n1/events?since=1", &since))
	assert.Len(t, since.Events, 1)
}

func TestNodeRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	log := store.NewEventLog(f.db)
	require.NoError(t, log.Record(ctx, "n1", "r1", schema.EventRunStarted, nil))
	require.NoError(t, log.Record(ctx, "n1", "r1", schema.EventItemFailed, map[string]string{"item": "roofers"}))
	require.NoError(t, log.Record(ctx, "n1", "r1", schema.EventRunCompleted, nil))

	var body struct {
		Runs []store.RunSummary `json:"runs"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.srv.URL+"/api/nodes/n1/runs", &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, schema.RunStateComplete, body.Runs[0].State)
	assert.Equal(t, 1, body.Runs[0].ItemsFailed)
}

func TestDiagramEndpoint(t *testing.T) {
	f := newFixture(t)
	f.chain(t)

	resp, err := http.Get(f.srv.URL + "/api/diagram")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(data), "graph LR"))

	resp2, err := http.Get(f.srv.URL + "/api/diagram?format=gif")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSSEStream(t *testing.T) {
	f := newFixture(t)
	stop := streaming.ForwardGraph(context.Background(), f.hub, f.g)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sse/events?types="+schema.EventNodeAdded, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	n, err := f.g.AddNode(schema.KindLLM, nil, schema.Position{})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: "+schema.EventNodeAdded+"\n", line)

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	var evt streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
	assert.Equal(t, n.ID, evt.NodeID)
}
