package alerting

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ContextCache memoises Stats lookups. Many measurements of the same variable
// arrive within seconds of each other and share one windowed aggregate, so
// results are keyed by variable, window and asOf truncated to the TTL.
// Per-sensor lookups are not cached because the current reading changes them.
type ContextCache struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewContextCache creates a cache whose entries live for ttl.
func NewContextCache(ttl time.Duration) *ContextCache {
	return &ContextCache{
		cache: gocache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Wrap returns caps with its Stats lookup cached. A nil cache or a
// non-positive TTL returns caps unchanged.
func (c *ContextCache) Wrap(caps Capabilities) Capabilities {
	if c == nil || c.ttl <= 0 || caps.Stats == nil {
		return caps
	}
	next := caps.Stats
	caps.Stats = func(ctx context.Context, variable string, window time.Duration, asOf time.Time) (Stats, error) {
		key := fmt.Sprintf("stats|%s|%d|%d", variable, window, asOf.Truncate(c.ttl).Unix())
		if v, ok := c.cache.Get(key); ok {
			if s, ok := v.(Stats); ok {
				return s, nil
			}
		}
		s, err := next(ctx, variable, window, asOf)
		if err != nil {
			return Stats{}, err
		}
		c.cache.SetDefault(key, s)
		return s, nil
	}
	return caps
}

// Flush drops every cached entry.
func (c *ContextCache) Flush() {
	c.cache.Flush()
}
