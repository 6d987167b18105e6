package cache

import (
	"context"
	"time"
)

// Cache is a string key-value store with per-key expiry.
// Get reports a missing key as "" with a nil error.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
