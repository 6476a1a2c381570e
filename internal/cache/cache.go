// Package cache provides the bounded, time-expiring lookup caches that keep
// the proxy hot path off the primary datastore.
//
// Two backends are available:
//   - LRUCache   — in-process, bounded count with least-recently-used
//     eviction and per-entry TTL. The default for single-instance deployments.
//   - RedisCache — Redis-backed, for multi-replica deployments that need a
//     shared cache.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

// Cache is the narrow interface the directory layer depends on. Clear is the
// coarse invalidation hook invoked by administrative writes: it drops every
// entry rather than a single key, bounding staleness without tracking
// per-key dependencies.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}
