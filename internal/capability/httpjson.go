package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/sitegraph/pkg/schema"
)

// JSONClient calls a JSON-over-HTTP provider with bearer auth and an
// outbound rate limit shared by every call made through it.
type JSONClient struct {
	baseURL    string
	key        KeyFunc
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// ClientOption configures a JSONClient.
type ClientOption func(*JSONClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(j *JSONClient) { j.httpClient = c }
}

// WithRateLimit caps requests per second with the given burst. Zero rps
// disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(j *JSONClient) {
		if rps <= 0 {
			j.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		j.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(j *JSONClient) { j.logger = l }
}

// NewJSONClient creates a client for baseURL.
func NewJSONClient(baseURL string, key KeyFunc, opts ...ClientOption) *JSONClient {
	j := &JSONClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		key:        key,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return j
}

// Do sends body as JSON and decodes the response into dst (when non-nil).
func (j *JSONClient) Do(ctx context.Context, method, path, operation string, body, dst any) error {
	if j.limiter != nil {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	key, err := j.key(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s: encode request: %s", operation, err.Error())
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, j.baseURL+path, reader)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider, "%s: create request: %s", operation, err.Error())
	}
	req.Header.Set("Accept", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	j.logger.DebugContext(ctx, "provider request", "operation", operation, "method", method, "path", path)
	resp, err := j.httpClient.Do(req)
	if err != nil {
		return classify(operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := providerMessage(raw)
		if msg == "" {
			msg = resp.Status
		}
		return classifyStatus(operation, resp.StatusCode, msg)
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeProvider, "%s: decode response: %s", operation, err.Error()).WithCause(err)
	}
	return nil
}

// providerMessage extracts {"error": "..."} or {"message": "..."} bodies.
func providerMessage(raw []byte) string {
	var body struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return strings.TrimSpace(string(raw))
	}
	switch e := body.Error.(type) {
	case string:
		return e
	case map[string]any:
		if m, ok := e["message"].(string); ok {
			return m
		}
	}
	return body.Message
}

// HTTPSearch is a Search backed by a JSON search endpoint.
type HTTPSearch struct{ c *JSONClient }

// NewHTTPSearch wraps a client.
func NewHTTPSearch(c *JSONClient) *HTTPSearch { return &HTTPSearch{c: c} }

// Search implements Search.
func (s *HTTPSearch) Search(ctx context.Context, query, location string) (*SearchResult, error) {
	var out struct {
		Signals map[string]any `json:"signals"`
	}
	body := map[string]any{"query": query, "location": location}
	if err := s.c.Do(ctx, http.MethodPost, "/search", "search", body, &out); err != nil {
		return nil, err
	}
	if out.Signals == nil {
		out.Signals = map[string]any{}
	}
	return &SearchResult{Query: query, Location: location, Signals: out.Signals}, nil
}

// HTTPDiscovery is a Discovery backed by a JSON endpoint.
type HTTPDiscovery struct{ c *JSONClient }

// NewHTTPDiscovery wraps a client.
func NewHTTPDiscovery(c *JSONClient) *HTTPDiscovery { return &HTTPDiscovery{c: c} }

// Discover implements Discovery.
func (d *HTTPDiscovery) Discover(ctx context.Context, category, location string, limit int) ([]map[string]any, error) {
	var out struct {
		Items []map[string]any `json:"items"`
	}
	body := map[string]any{"category": category, "location": location, "limit": limit}
	if err := d.c.Do(ctx, http.MethodPost, "/discover", "discover", body, &out); err != nil {
		return nil, err
	}
	if limit > 0 && len(out.Items) > limit {
		out.Items = out.Items[:limit]
	}
	return out.Items, nil
}

// Enrich implements Discovery.
func (d *HTTPDiscovery) Enrich(ctx context.Context, item map[string]any) (map[string]any, error) {
	var out struct {
		Item map[string]any `json:"item"`
	}
	if err := d.c.Do(ctx, http.MethodPost, "/enrich", "enrich", map[string]any{"item": item}, &out); err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, schema.NewError(schema.ErrCodeProvider, "enrich: empty response")
	}
	return out.Item, nil
}

// HTTPDeployer is a Deployer backed by a JSON deployment API.
type HTTPDeployer struct{ c *JSONClient }

// NewHTTPDeployer wraps a client.
func NewHTTPDeployer(c *JSONClient) *HTTPDeployer { return &HTTPDeployer{c: c} }

// Deploy implements Deployer.
func (d *HTTPDeployer) Deploy(ctx context.Context, files map[string]string, project string) (*Deployment, error) {
	var out Deployment
	body := map[string]any{"project": project, "files": files}
	if err := d.c.Do(ctx, http.MethodPost, "/deployments", "deploy", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status implements Deployer.
func (d *HTTPDeployer) Status(ctx context.Context, id string) (*Deployment, error) {
	var out Deployment
	if err := d.c.Do(ctx, http.MethodGet, "/deployments/"+url.PathEscape(id), "deployment status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var (
	_ Search    = (*HTTPSearch)(nil)
	_ Discovery = (*HTTPDiscovery)(nil)
	_ Deployer  = (*HTTPDeployer)(nil)
)
