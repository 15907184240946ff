package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 1 << 24
	defaultBufferItems = 64
	defaultTTL         = 10 * time.Minute
)

// Cached memoizes a Searcher's results for a bounded time. Errors are never
// cached.
type Cached struct {
	next  Searcher
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCached wraps next with a result cache. A non-positive ttl uses the
// default.
func NewCached(next Searcher, ttl time.Duration) (*Cached, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create search cache: %w", err)
	}
	return &Cached{next: next, cache: cache, ttl: ttl}, nil
}

func cacheKey(query string, limit int) string {
	return fmt.Sprintf("%d|%s", limit, strings.ToLower(strings.Join(strings.Fields(query), " ")))
}

// Search returns a cached result when one is live, otherwise delegates.
func (c *Cached) Search(ctx context.Context, query string, limit int) (Result, error) {
	key := cacheKey(query, limit)
	if v, ok := c.cache.Get(key); ok {
		if res, ok := v.(Result); ok {
			res.Query = query
			res.Articles = append([]Article(nil), res.Articles...)
			return res, nil
		}
	}

	res, err := c.next.Search(ctx, query, limit)
	if err != nil {
		return res, err
	}

	var cost int64 = 1
	for _, a := range res.Articles {
		cost += int64(len(a.Content))
	}
	stored := res
	stored.Articles = append([]Article(nil), res.Articles...)
	c.cache.SetWithTTL(key, stored, cost, c.ttl)
	return res, nil
}

// Clear drops every cached result.
func (c *Cached) Clear() {
	c.cache.Clear()
}

// Close stops the cache's background goroutines.
func (c *Cached) Close() {
	c.cache.Close()
}
