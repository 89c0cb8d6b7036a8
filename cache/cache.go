package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// DefaultMaxEntries bounds a cache whose capacity was not configured.
const DefaultMaxEntries = 1000

// Sentinel errors for cache operations.
var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
)

// Stats is a point-in-time snapshot of a cache. Counters are cumulative for
// the cache's lifetime and survive Clear.
type Stats struct {
	// Entries is the current number of stored values.
	Entries int

	// Capacity is the configured entry bound. Zero means unbounded.
	Capacity int

	// Hits counts reads that returned a live value.
	Hits int64

	// Misses counts reads that found nothing, including expired entries.
	Misses int64

	// Evictions counts entries removed to make room.
	Evictions int64

	// Expirations counts entries removed because a read found them past
	// their TTL.
	Expirations int64
}

// Cache is the contract shared by the eviction disciplines.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Get never errors; it returns (nil, false) on miss. A read past
//   the entry's TTL is a miss and removes the entry.
// - Set with TTL <= 0 stores nothing and is not an error.
type Cache interface {
	// Get retrieves a cached value. Returns (nil, false) on miss.
	Get(ctx context.Context, key string) ([]byte, bool)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a cached value. Idempotent, no error on miss.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// Stats returns a snapshot of the cache.
	Stats() Stats
}

// ValidateKey checks if a key is valid for caching.
func ValidateKey(key string) error {
	if key == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}
