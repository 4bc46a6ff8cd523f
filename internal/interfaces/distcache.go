package interfaces

import (
	"context"
	"time"
)

// DistributedCache is the serialized, namespaced KV cache backend. Beyond
// the CacheLayer surface it exposes the atomic primitives other services
// lean on (counters, TTL extension, pattern clears).
type DistributedCache interface {
	CacheLayer

	// Exists reports whether the key is present without fetching it.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime, or a negative duration when the
	// key is missing or persistent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire replaces the remaining lifetime.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Incr atomically adds amount to an integer key, setting ttl when the
	// key is created by this call.
	Incr(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// GetExtendTTL fetches the value and pushes its expiry out by extendBy
	// in one atomic step.
	GetExtendTTL(ctx context.Context, key string, extendBy time.Duration) ([]byte, error)

	// SetObject serializes a value through the configured codec before
	// storing; GetObject reverses it.
	SetObject(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetObject(ctx context.Context, key string, out interface{}) error
}
