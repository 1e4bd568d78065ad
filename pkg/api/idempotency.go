package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// replayTTL bounds how long a completed response can be replayed. The
// platform retries callbacks within minutes, not days.
const replayTTL = 10 * time.Minute

// ReplayCache stores finished action responses keyed by callback id, so a
// platform retry of an already-executed callback replays the response
// instead of running the action twice.
type ReplayCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryReplayCache is the single-process fallback used in lite mode.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryReplayCache returns an empty cache.
func NewMemoryReplayCache() *MemoryReplayCache {
	return &MemoryReplayCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements ReplayCache.
func (c *MemoryReplayCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements ReplayCache.
func (c *MemoryReplayCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic sweep keeps the map from growing without bound.
	if len(c.entries) > 10000 {
		now := c.now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

// RedisReplayCache shares replay state across replicas.
type RedisReplayCache struct {
	client *redis.Client
}

// NewRedisReplayCache connects with the given URL.
func NewRedisReplayCache(url string) (*RedisReplayCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisReplayCache{client: redis.NewClient(opts)}, nil
}

// Get implements ReplayCache.
func (c *RedisReplayCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, "replay:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set implements ReplayCache.
func (c *RedisReplayCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, "replay:"+key, value, ttl).Err()
}

// Ping checks connectivity for readiness probes.
func (c *RedisReplayCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
