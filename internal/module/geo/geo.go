package geo

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Jurisdiction is the result of a geo lookup for one client address.
type Jurisdiction struct {
	CountryCode string    `json:"country_code"`
	Allowed     bool      `json:"allowed"`
	CheckedAt   time.Time `json:"checked_at"`
}

// Lookup resolves a client address to a jurisdiction. The actual resolution
// lives outside this engine; only the caching policy is ours.
type Lookup interface {
	Jurisdiction(ctx context.Context, addr string) (*Jurisdiction, error)
}

// Cache fronts a Lookup with a freshness window. A value past the window is
// revalidated; when revalidation fails, the last known-good value is served
// instead of blocking the caller.
type Cache struct {
	lookup Lookup
	fresh  *gocache.Cache
	known  *gocache.Cache
	logger *zap.Logger
}

// NewCache creates a jurisdiction cache. ttl is the freshness window.
func NewCache(lookup Lookup, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{
		lookup: lookup,
		fresh:  gocache.New(ttl, 2*ttl),
		known:  gocache.New(gocache.NoExpiration, 0),
		logger: logger,
	}
}

// Resolve returns the jurisdiction for an address, from cache when fresh.
func (c *Cache) Resolve(ctx context.Context, addr string) (*Jurisdiction, error) {
	if cached, ok := c.fresh.Get(addr); ok {
		return cached.(*Jurisdiction), nil
	}

	j, err := c.lookup.Jurisdiction(ctx, addr)
	if err != nil {
		if last, ok := c.known.Get(addr); ok {
			c.logger.Warn("geo revalidation failed, serving last known value",
				zap.String("addr", addr),
				zap.Error(err),
			)
			return last.(*Jurisdiction), nil
		}
		return nil, fmt.Errorf("resolve jurisdiction: %w", err)
	}

	c.fresh.SetDefault(addr, j)
	c.known.Set(addr, j, gocache.NoExpiration)
	return j, nil
}
