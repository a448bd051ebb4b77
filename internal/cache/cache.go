// Package cache provides a Redis-backed overflow store for the gateway's
// shared Cache table (internal/sharedtables.Cache): internal/cachebridge
// falls through to it on a local miss and mirrors writes to it, so a cache
// entry survives this process restarting and stays visible to worker
// processes that never share this process's memory.
//
// The client is pooled and degrades to a no-op/miss when disabled, so the
// bridge can run with no Redis configured at all. Only the Get/Set/Delete/
// GetStats surface is exposed here; there is no session/user key namespace,
// distributed lock, or counter helper, since nothing in this gateway calls
// one.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a pooled Redis client. A disabled Cache (Enabled: false, or
// construction skipped entirely) degrades every call to a no-op/miss so
// the bridge can run with no Redis configured at all.
type Cache struct {
	client *redis.Client
}

// Config holds the overflow store's connection settings.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// NewCache builds a Cache. With Enabled false it returns a disabled Cache
// rather than an error, matching spec.md §4.7: the overflow store is an
// optional collaborator, never a startup requirement.
func NewCache(config Config) (*Cache, error) {
	if !config.Enabled {
		return &Cache{client: nil}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection, if any.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

// IsEnabled reports whether a live Redis client backs this Cache.
func (c *Cache) IsEnabled() bool {
	return c.client != nil
}

// Get retrieves a value and unmarshals it into target.
func (c *Cache) Get(ctx context.Context, key string, target interface{}) error {
	if !c.IsEnabled() {
		return fmt.Errorf("cache not enabled")
	}

	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), target); err != nil {
		return fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return nil
}

// Set stores a value with the given TTL (0 means no expiry).
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.IsEnabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes one or more keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.IsEnabled() {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// GetStats reports pool and server stats for the cache bridge's metrics route.
func (c *Cache) GetStats(ctx context.Context) (map[string]string, error) {
	if !c.IsEnabled() {
		return map[string]string{"enabled": "false"}, nil
	}

	info, err := c.client.Info(ctx, "stats").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get cache stats: %w", err)
	}
	poolStats := c.client.PoolStats()

	return map[string]string{
		"enabled":     "true",
		"info":        info,
		"hits":        fmt.Sprintf("%d", poolStats.Hits),
		"misses":      fmt.Sprintf("%d", poolStats.Misses),
		"total_conns": fmt.Sprintf("%d", poolStats.TotalConns),
		"idle_conns":  fmt.Sprintf("%d", poolStats.IdleConns),
		"stale_conns": fmt.Sprintf("%d", poolStats.StaleConns),
	}, nil
}
