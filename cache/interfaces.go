// Package cache implements the shared cache service every other component
// of the layer is built on: typed reads and writes, batch operations,
// counters, sets, hashes, fetch-through with request coalescing, and warm-up.
package cache

import (
	"context"
	"time"

	"github.com/credlane/lending-cache/storage"
)

// Logger defines the interface for logging in the caching layer.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Fetcher loads a value from the system of record on a cache miss.
type Fetcher func(ctx context.Context) (any, error)

// WarmEntry names one key to pre-populate during warm-up.
type WarmEntry struct {
	// Key is the logical cache key.
	Key string

	// TTL applies to the warmed value; zero falls back to the service
	// default.
	TTL time.Duration

	// Fetch loads the value. A failing fetch skips the entry without
	// failing the warm-up.
	Fetch Fetcher
}

// Cache defines the shared cache operations. *Service is the production
// implementation; the interface exists so callers can substitute doubles.
type Cache interface {
	// Get retrieves a value. The second return is false when the key is
	// absent or the store is unreachable; reads degrade to misses.
	Get(ctx context.Context, key string) (any, bool)

	// GetInto retrieves a value and decodes it into dest, which must be
	// a pointer. It reports whether dest was populated.
	GetInto(ctx context.Context, key string, dest any) bool

	// MGet retrieves values aligned positionally with keys in one round
	// trip. Absent entries are nil.
	MGet(ctx context.Context, keys ...string) []any

	// Set stores a value. A zero ttl applies the service default.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// MSet stores every entry in one round trip under a shared ttl.
	MSet(ctx context.Context, entries map[string]any, ttl time.Duration) error

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Exists reports presence without fetching the value.
	Exists(ctx context.Context, key string) bool

	// Expire resets the ttl of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) bool

	// TTL returns the remaining time to live. The second return is false
	// when the key is absent or unreachable; -1 means no expiration.
	TTL(ctx context.Context, key string) (time.Duration, bool)

	// Incr atomically adds one to the counter at key, attaching ttl when
	// the increment creates it.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// IncrBy atomically adds delta to the counter at key.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// Decr atomically subtracts one from the counter at key.
	Decr(ctx context.Context, key string) (int64, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns the members of the set at key, empty on miss.
	SMembers(ctx context.Context, key string) []string

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) (int64, error)

	// HSet stores field=value in the hash at key.
	HSet(ctx context.Context, key, field, value string) error

	// HGet reads one field of the hash at key.
	HGet(ctx context.Context, key, field string) (string, bool)

	// HGetAll reads every field of the hash at key.
	HGetAll(ctx context.Context, key string) map[string]string

	// HDel removes fields from the hash at key.
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	// HIncrBy atomically adds delta to an integer hash field.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// GetOrSet returns the cached value for key, or runs fetch, stores
	// the result under ttl and returns it. Concurrent callers for the
	// same key share a single fetch. Fetch errors propagate; store
	// errors degrade to serving the fetched value uncached.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, dest any, fetch Fetcher) error

	// Warm bulk-populates the cache, writing all fetched values in one
	// batched round trip per ttl. It returns how many entries were
	// stored; entries whose fetch fails are skipped.
	Warm(ctx context.Context, entries []WarmEntry) (int, error)

	// TakeTokens runs the store's atomic token-bucket operation under
	// this service's key namespace. Bucket state is raw store data, so
	// it bypasses the serializer.
	TakeTokens(ctx context.Context, key string, capacity int64, refillPerSec float64, tokens int64, ttl time.Duration) (bool, float64, error)

	// Stats returns a snapshot of the operation counters.
	Stats() Stats

	// Store exposes the underlying store handle for components that
	// need primitives outside this contract.
	Store() storage.Store
}

// Stats represents cache service statistics.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Errors  int64
}

// HitRate returns the fraction of reads served from cache, zero when no
// reads happened yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
