package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// redisOpTimeout bounds individual cache operations so a slow Redis never
// stalls the proxy hot path.
const redisOpTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed Cache for multi-replica deployments. Get and
// Set degrade gracefully: a Redis failure reads as a cache miss and the
// caller falls through to the durable store.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to addr, verifies the connection with a PING, and
// returns a RedisCache namespacing its keys under prefix.
func NewRedisCache(ctx context.Context, addr, prefix string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", errPing)
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

// Get retrieves the value for key. Returns (nil, false) on a miss or any
// Redis error; errors are logged but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	val, err := c.client.Get(opCtx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.WithError(err).WithField("key", key).Warn("cache: redis get failed")
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the given TTL. Always returns nil so a
// degraded cache never fails a request.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if errSet := c.client.Set(opCtx, c.prefix+key, value, ttl).Err(); errSet != nil {
		log.WithError(errSet).WithField("key", key).Warn("cache: redis set failed")
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	if errDel := c.client.Del(opCtx, c.prefix+key).Err(); errDel != nil {
		return fmt.Errorf("cache: redis del %s: %w", key, errDel)
	}
	return nil
}

// Clear removes every key in this cache's namespace.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if errDel := c.client.Del(ctx, iter.Val()).Err(); errDel != nil {
			return fmt.Errorf("cache: redis clear: %w", errDel)
		}
	}
	if errIter := iter.Err(); errIter != nil {
		return fmt.Errorf("cache: redis scan: %w", errIter)
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
