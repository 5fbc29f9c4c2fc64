package routeconfig

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"

	"github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a route stays cached before it is re-read
const DefaultTTL = 5 * time.Minute

// Cache is a read-mostly TTL cache in front of a Store. It is constructed
// and passed explicitly; refreshes are last-writer-wins because the store is
// the source of truth.
type Cache struct {
	store  Store
	cache  *cache.Cache
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// NewCache creates a route cache. ttl <= 0 uses DefaultTTL.
func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store: store,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Get returns the route for operationID, reloading from the store on a miss.
// An absent route fails with NotConfigured.
func (c *Cache) Get(ctx context.Context, operationID string) (*models.OperationRoute, error) {
	if v, found := c.cache.Get(operationID); found {
		if r, ok := v.(models.OperationRoute); ok {
			c.hits.Add(1)
			return &r, nil
		}
	}
	c.misses.Add(1)

	route, err := c.store.GetRoute(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("route lookup %s: %w", operationID, err)
	}
	if route == nil {
		return nil, apperrors.New(apperrors.KindNotConfigured, "no route configured for operation %q", operationID)
	}

	c.cache.Set(operationID, *route, cache.DefaultExpiration)
	r := *route
	return &r, nil
}

// Invalidate drops a single cached route
func (c *Cache) Invalidate(operationID string) {
	c.cache.Delete(operationID)
}

// Refresh reloads every route from the store and replaces the cache contents
func (c *Cache) Refresh(ctx context.Context) error {
	routes, err := c.store.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("route refresh: %w", err)
	}

	c.cache.Flush()
	for _, r := range routes {
		c.cache.Set(r.OperationID, r, cache.DefaultExpiration)
	}
	log.Printf("🔄 [ROUTES] Refreshed route cache (%d routes)", len(routes))
	return nil
}

// Stats returns hit/miss counters
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.cache.ItemCount(),
	}
}
