package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/sitegraph/internal/store"
	"github.com/rendis/sitegraph/pkg/schema"
)

// DefaultSearchTTL is how long a cached search response stays valid.
const DefaultSearchTTL = 24 * time.Hour

// SearchCache is the persistence a CachedSearch needs. Satisfied by store.Store.
type SearchCache interface {
	GetCachedSearch(ctx context.Context, key string, now time.Time) (*store.CachedSearch, error)
	PutCachedSearch(ctx context.Context, entry *store.CachedSearch) error
}

// CachedSearch serves repeated searches from a cache. Hits are reported on
// the result so callers can count them.
type CachedSearch struct {
	inner  Search
	cache  SearchCache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewCachedSearch wraps inner. ttl <= 0 uses DefaultSearchTTL.
func NewCachedSearch(inner Search, cache SearchCache, ttl time.Duration, logger *slog.Logger) *CachedSearch {
	if ttl <= 0 {
		ttl = DefaultSearchTTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CachedSearch{inner: inner, cache: cache, ttl: ttl, now: time.Now, logger: logger}
}

// SearchKey is the cache key for a query/location pair. Case and
// surrounding whitespace are ignored.
func SearchKey(query, location string) string {
	norm := strings.ToLower(strings.TrimSpace(query)) + "|" + strings.ToLower(strings.TrimSpace(location))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Search implements Search.
func (c *CachedSearch) Search(ctx context.Context, query, location string) (*SearchResult, error) {
	key := SearchKey(query, location)
	now := c.now()

	entry, err := c.cache.GetCachedSearch(ctx, key, now)
	switch {
	case err == nil:
		var signals map[string]any
		if jerr := json.Unmarshal(entry.Response, &signals); jerr == nil {
			return &SearchResult{Query: query, Location: location, Signals: signals, CacheHit: true}, nil
		}
		c.logger.WarnContext(ctx, "discarding unreadable cache entry", "key", key)
	case !schema.HasCode(err, schema.ErrCodeNotFound):
		c.logger.WarnContext(ctx, "search cache read failed", "error", err)
	}

	res, err := c.inner.Search(ctx, query, location)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(res.Signals)
	if err == nil {
		perr := c.cache.PutCachedSearch(ctx, &store.CachedSearch{
			Key:       key,
			Query:     query,
			Location:  location,
			Response:  raw,
			CreatedAt: now,
			ExpiresAt: now.Add(c.ttl),
		})
		if perr != nil {
			c.logger.WarnContext(ctx, "search cache write failed", "error", perr)
		}
	}
	res.CacheHit = false
	return res, nil
}

var _ Search = (*CachedSearch)(nil)
