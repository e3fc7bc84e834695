// Package cache holds Redis-backed caches.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const urlKeyPrefix = "imagehost:url:"

// Connect opens a Redis client and verifies it with PING.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisURLCache stores presigned display URLs keyed by storage key.
type RedisURLCache struct {
	client *redis.Client
}

// NewRedisURLCache wraps an open Redis client.
func NewRedisURLCache(client *redis.Client) *RedisURLCache {
	return &RedisURLCache{client: client}
}

func (c *RedisURLCache) Get(ctx context.Context, key string) (string, bool, error) {
	u, err := c.client.Get(ctx, urlKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached url: %w", err)
	}
	return u, true, nil
}

func (c *RedisURLCache) Set(ctx context.Context, key, url string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, urlKeyPrefix+key, url, ttl).Err(); err != nil {
		return fmt.Errorf("set cached url: %w", err)
	}
	return nil
}

func (c *RedisURLCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, urlKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("delete cached url: %w", err)
	}
	return nil
}
