package summary

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps summaries as JSON documents in redis
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache creates a new redis summary cache
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client:    client,
		keyPrefix: prefix + ":summary:",
		ttl:       ttl,
	}
}

// Get retrieves a cached summary
func (c *RedisCache) Get(ctx context.Context, tableID string) (*Summary, error) {
	data, err := c.client.Get(ctx, c.keyPrefix+tableID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}

		return nil, err
	}

	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

// Set stores a summary until the ttl passes or it is invalidated
func (c *RedisCache) Set(ctx context.Context, s *Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.keyPrefix+s.TableID, data, c.ttl).Err()
}

// Invalidate removes a summary from the cache
func (c *RedisCache) Invalidate(ctx context.Context, tableID string) error {
	return c.client.Del(ctx, c.keyPrefix+tableID).Err()
}

// MemoryCache is an in-process Cache without expiry
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*Summary
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]*Summary)}
}

// Get retrieves a cached summary
func (c *MemoryCache) Get(_ context.Context, tableID string) (*Summary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.entries[tableID], nil
}

// Set stores a summary
func (c *MemoryCache) Set(_ context.Context, s *Summary) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[s.TableID] = s

	return nil
}

// Invalidate removes a summary from the cache
func (c *MemoryCache) Invalidate(_ context.Context, tableID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, tableID)

	return nil
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
