// Package eventcache remembers processed webhook events in Redis so redeliveries skip the database.
package eventcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix  = "tokenpay:webhook:"
	markerSeen = "1"
	DefaultTTL = 72 * time.Hour
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, options Options) (*redis.Client, error) {
	if options.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     options.Addr,
		Password: options.Password,
		DB:       options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// Cache implements ledger.EventDeduplicator on top of Redis.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// New returns a Cache; a non-positive ttl falls back to DefaultTTL.
func New(client redis.Cmdable, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Seen reports whether key was remembered and has not expired.
func (cache *Cache) Seen(ctx context.Context, key string) (bool, error) {
	count, err := cache.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("eventcache seen: %w", err)
	}
	return count > 0, nil
}

// Remember marks key as processed for the cache TTL.
func (cache *Cache) Remember(ctx context.Context, key string) error {
	if err := cache.client.Set(ctx, keyPrefix+key, markerSeen, cache.ttl).Err(); err != nil {
		return fmt.Errorf("eventcache remember: %w", err)
	}
	return nil
}
