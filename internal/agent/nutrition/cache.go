package nutrition

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	errx "github.com/macromate/server/internal/core/error"
)

// Cache stores encoded lookup results. Entries are written whole and never patched.
type Cache interface {
	// Get returns (nil, false, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// RedisCache keeps results in Redis with a fixed expiry.
type RedisCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisCache(rdb redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errx.WrapRedis(err)
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	return errx.WrapRedis(c.rdb.Set(ctx, key, value, c.ttl).Err())
}

// MemoryCache is a bounded in-process cache used when Redis is disabled.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := c.lru.Get(key)
	return b, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte) error {
	c.lru.Add(key, append([]byte(nil), value...))
	return nil
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
