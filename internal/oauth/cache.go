package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeySetCache stores raw JWKS documents keyed by their URL.
type KeySetCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error
}

type cachedDoc struct {
	doc       []byte
	expiresAt time.Time
}

type MemoryKeySetCache struct {
	mu      sync.RWMutex
	entries map[string]cachedDoc
	now     func() time.Time
}

func NewMemoryKeySetCache(now func() time.Time) *MemoryKeySetCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryKeySetCache{entries: make(map[string]cachedDoc), now: now}
}

func (c *MemoryKeySetCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return e.doc, true, nil
}

func (c *MemoryKeySetCache) Set(_ context.Context, key string, doc []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedDoc{
		doc:       append([]byte(nil), doc...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// RedisKeySetCache shares fetched key sets between instances.
type RedisKeySetCache struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisKeySetCache(client redis.UniversalClient) *RedisKeySetCache {
	return &RedisKeySetCache{redis: client, prefix: "jwks:"}
}

func (c *RedisKeySetCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	doc, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get cached key set: %w", err)
	}
	return doc, true, nil
}

func (c *RedisKeySetCache) Set(ctx context.Context, key string, doc []byte, ttl time.Duration) error {
	if err := c.redis.Set(ctx, c.prefix+key, doc, ttl).Err(); err != nil {
		return fmt.Errorf("cache key set: %w", err)
	}
	return nil
}
