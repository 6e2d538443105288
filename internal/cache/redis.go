package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache shares cached values across instances.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := validate(key, ttl); err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}

func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := c.client.PTTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, false, err
	}
	// -2 means missing; -1 means no expiry, which this cache never writes.
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (c *RedisCache) key(key string) string {
	key = strings.TrimSpace(key)
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}
