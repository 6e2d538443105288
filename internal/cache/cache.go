// Package cache provides the injected key/value cache used on the tier
// resolution hot path, with in-process and Redis backends.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Cache stores string values with a per-entry time to live.
type Cache interface {
	// Get reports false when the key is absent or expired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value for ttl. A non-positive ttl is rejected.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

var (
	ErrInvalidTTL  = errors.New("invalid_ttl")
	ErrInvalidKey  = errors.New("invalid_key")
	ErrUnknownKind = errors.New("unknown_cache_backend")
)

// Key joins non-empty parts with ':' after trimming and lowercasing the
// namespace parts. The final part is kept verbatim since it carries ids.
func Key(parts ...string) string {
	values := make([]string, 0, len(parts))
	for i, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if i < len(parts)-1 {
			trimmed = strings.ToLower(trimmed)
		}
		values = append(values, trimmed)
	}
	return strings.Join(values, ":")
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
