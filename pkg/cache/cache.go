package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key (or hash field) does not exist.
var ErrNotFound = errors.New("cache: not found")

// ErrUnavailable is returned when the cache connection is down; per the
// contract cache operations fail fast rather than retrying.
var ErrUnavailable = errors.New("cache: unavailable")

// Cache is the hot-projection abstraction every subsystem depends on
// instead of a concrete Redis client.
type Cache interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value at key with ttl (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// SetNX atomically sets key to value only if absent, with ttl. Returns
	// true if this call won the race (the claim lease pattern).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// HGet returns field of the hash at key.
	HGet(ctx context.Context, key, field string) (string, error)
	// HSet sets field of the hash at key.
	HSet(ctx context.Context, key, field, value string) error
	// HDel removes field from the hash at key.
	HDel(ctx context.Context, key, field string) error
	// HGetAll returns every field/value pair in the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// LPush prepends value onto the list at key.
	LPush(ctx context.Context, key, value string) error
	// LRange returns elements [start, stop] of the list at key (inclusive, -1 = end).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// LTrim trims the list at key to [start, stop], bounding unbounded growth.
	LTrim(ctx context.Context, key string, start, stop int64) error
	// Expire sets a TTL on an existing key (used for lists/hashes after population).
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// SAdd adds member to the set at key.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes member from the set at key.
	SRem(ctx context.Context, key, member string) error
	// SMembers returns every member of the set at key.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Close releases underlying connections.
	Close() error
}
