// Package cache provides the small key/value surface the service needs for
// ephemeral hints (presence counters): integer get/set with TTL and an
// increment that never goes below zero.
package cache

import (
	"context"
	"time"
)

// Cache is implemented by Redis and by an in-process map for tests and
// single-node deployments.
type Cache interface {
	// GetInt returns the stored value and whether the key exists.
	GetInt(ctx context.Context, key string) (int64, bool, error)
	// SetInt stores v under key. A zero ttl keeps the key without expiry.
	SetInt(ctx context.Context, key string, v int64, ttl time.Duration) error
	// IncrBy adds delta (possibly negative) and returns the new value, clamped
	// at zero. A missing key counts as zero. The ttl is refreshed on every call.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}
