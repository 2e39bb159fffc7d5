// Package cache defines the port interface for caching serialized values.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-value cache. A miss is (nil, false, nil); errors are
// reserved for backend failures.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
