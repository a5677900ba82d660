// Package storage provides the remote store contract the caching layer is
// built on, plus the Redis and in-memory implementations of it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found in the store.
var ErrNotFound = errors.New("key not found")

// ErrClosed is returned when operations are performed on a closed store.
var ErrClosed = errors.New("store is closed")

// ErrConnectivity wraps transport failures reaching the store, including
// requests rejected by an open circuit breaker.
var ErrConnectivity = errors.New("store unreachable")

// ErrWrongType is returned when an operation is applied to a key holding a
// different data type.
var ErrWrongType = errors.New("operation against a key holding the wrong kind of value")

// Message is a single pub/sub payload delivered to a subscription.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Delivery is at-least-once
// while the subscriber is connected; messages published while disconnected
// are lost.
type Subscription interface {
	// Messages returns the channel payloads are delivered on. The channel
	// is closed when the subscription is closed.
	Messages() <-chan Message

	// Close terminates the subscription and releases its resources.
	// It is safe to call more than once.
	Close() error
}

// Store is the single seam between the caching layer and the backing
// key/value server. Every admission decision that must be atomic (counter
// increments, token-bucket debits) is a Store primitive so that
// implementations can guarantee atomicity natively instead of callers
// approximating it with read-modify-write sequences.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl of zero means no expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// MGet returns values aligned positionally with keys; absent keys
	// yield a nil entry rather than an error.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// MSet stores all entries in one round trip, applying ttl to each.
	MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets a new ttl on key. It returns false when the key does
	// not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time to live for key. It returns
	// ErrNotFound for absent keys and -1 for keys with no expiration.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// IncrBy atomically adds delta to the integer at key, creating it at
	// zero first. When the increment creates the key and ttl is positive,
	// the ttl is applied in the same atomic step so counters can never
	// leak without an expiration.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)

	// TakeTokens refills the token bucket at key from its capacity and
	// per-second refill rate, then attempts to remove tokens. Refill,
	// comparison and debit happen in one atomic step. It reports whether
	// the debit succeeded and the tokens remaining afterwards.
	TakeTokens(ctx context.Context, key string, capacity int64, refillPerSec float64, tokens int64, ttl time.Duration) (bool, float64, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key. Absent sets are
	// empty, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)

	// SRem removes members from the set at key and returns how many were
	// present.
	SRem(ctx context.Context, key string, members ...string) (int64, error)

	// HSet stores field=value in the hash at key.
	HSet(ctx context.Context, key, field, value string) error

	// HGet returns the value of field in the hash at key, or ErrNotFound.
	HGet(ctx context.Context, key, field string) (string, error)

	// HGetAll returns every field of the hash at key. Absent hashes are
	// empty, not an error.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel removes fields from the hash at key and returns how many were
	// present.
	HDel(ctx context.Context, key string, fields ...string) (int64, error)

	// HIncrBy atomically adds delta to the integer field in the hash at
	// key, creating either at zero first.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Scan iterates the keyspace in batches of roughly count keys matching
	// the glob pattern. Pass the returned cursor to the next call; a zero
	// cursor means the iteration is complete. Scans are not snapshots:
	// keys written behind the cursor during iteration may be missed.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// Publish sends payload to every current subscriber of channel.
	// Delivery is fire-and-forget: disconnected subscribers miss it.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a subscription to channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Ping verifies connectivity to the store.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
