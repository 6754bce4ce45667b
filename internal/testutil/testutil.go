// Package testutil provides test helpers shared across packages
package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// StartRedis runs an in-memory Redis that is closed with the test
func StartRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	return miniredis.RunT(t)
}

// NewRedis starts an in-memory Redis and a client connected to it
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := StartRedis(t)
	client := redis.NewClient(RedisOptions(mr))

	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("failed to close redis client: %v", err)
		}
	})

	return mr, client
}

// RedisOptions returns go-redis options pointing at mr
func RedisOptions(mr *miniredis.Miniredis) *redis.Options {
	return &redis.Options{Addr: mr.Addr()}
}

// RedisURL returns a redis:// url pointing at mr
func RedisURL(mr *miniredis.Miniredis) string {
	return "redis://" + mr.Addr()
}
