package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/credlane/lending-cache/storage"
)

// Service is the production Cache implementation. It owns key prefixing,
// serialization and the degrade policy: reads that fail for transport
// reasons surface as misses, writes surface their failure to the caller.
type Service struct {
	store      storage.Store
	serializer storage.Serializer
	logger     Logger
	prefix     string
	defaultTTL time.Duration
	flight     singleflight.Group
	stats      serviceStats
}

type serviceStats struct {
	hits    int64
	misses  int64
	sets    int64
	deletes int64
	errors  int64
}

// New creates a new cache Service.
func New(opts Options) (*Service, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Set defaults for optional fields
	if opts.Serializer == nil {
		opts.Serializer = storage.NewJSONSerializer()
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = 5 * time.Minute
	}

	return &Service{
		store:      opts.Store,
		serializer: opts.Serializer,
		logger:     opts.Logger,
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
	}, nil
}

func (s *Service) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + k
}

func (s *Service) ttl(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.defaultTTL
}

// Get retrieves a value from the cache.
func (s *Service) Get(ctx context.Context, key string) (any, bool) {
	var result any
	if !s.GetInto(ctx, key, &result) {
		return nil, false
	}
	return result, true
}

// GetInto retrieves a value and decodes it into dest.
func (s *Service) GetInto(ctx context.Context, key string, dest any) bool {
	data, err := s.store.Get(ctx, s.key(key))
	if err != nil {
		s.recordMiss()
		if !errors.Is(err, storage.ErrNotFound) {
			s.recordError()
			s.logger.Warn("cache read degraded to miss", "key", key, "error", err)
		}
		return false
	}
	if err := s.serializer.Unmarshal(data, dest); err != nil {
		s.recordMiss()
		s.recordError()
		s.logger.Error("cached value undecodable", "key", key, "error", err)
		return false
	}
	s.recordHit()
	return true
}

// MGet retrieves values aligned positionally with keys.
func (s *Service) MGet(ctx context.Context, keys ...string) []any {
	out := make([]any, len(keys))
	if len(keys) == 0 {
		return out
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	vals, err := s.store.MGet(ctx, full...)
	if err != nil {
		atomic.AddInt64(&s.stats.misses, int64(len(keys)))
		s.recordError()
		s.logger.Warn("cache batch read degraded to misses", "keys", len(keys), "error", err)
		return out
	}
	for i, data := range vals {
		if data == nil {
			s.recordMiss()
			continue
		}
		var v any
		if err := s.serializer.Unmarshal(data, &v); err != nil {
			s.recordMiss()
			s.recordError()
			s.logger.Error("cached value undecodable", "key", keys[i], "error", err)
			continue
		}
		out[i] = v
		s.recordHit()
	}
	return out
}

// Set stores a value in the cache.
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := s.serializer.Marshal(value)
	if err != nil {
		s.recordError()
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	if err := s.store.Set(ctx, s.key(key), data, s.ttl(ttl)); err != nil {
		s.recordError()
		s.logger.Error("cache write failed", "key", key, "error", err)
		return err
	}
	s.recordSet()
	return nil
}

// MSet stores every entry in one round trip under a shared ttl.
func (s *Service) MSet(ctx context.Context, entries map[string]any, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	batch := make(map[string][]byte, len(entries))
	for k, v := range entries {
		data, err := s.serializer.Marshal(v)
		if err != nil {
			s.recordError()
			return fmt.Errorf("marshal %q: %w", k, err)
		}
		batch[s.key(k)] = data
	}
	if err := s.store.MSet(ctx, batch, s.ttl(ttl)); err != nil {
		s.recordError()
		s.logger.Error("cache batch write failed", "keys", len(entries), "error", err)
		return err
	}
	atomic.AddInt64(&s.stats.sets, int64(len(entries)))
	return nil
}

// Delete removes keys and returns how many existed.
func (s *Service) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.store.Del(ctx, full...)
	if err != nil {
		s.recordError()
		s.logger.Error("cache delete failed", "keys", len(keys), "error", err)
		return 0, err
	}
	atomic.AddInt64(&s.stats.deletes, n)
	return n, nil
}

// Exists reports presence without fetching the value.
func (s *Service) Exists(ctx context.Context, key string) bool {
	ok, err := s.store.Exists(ctx, s.key(key))
	if err != nil {
		s.recordError()
		s.logger.Warn("cache exists degraded to false", "key", key, "error", err)
		return false
	}
	return ok
}

// Expire resets the ttl of an existing key.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := s.store.Expire(ctx, s.key(key), s.ttl(ttl))
	if err != nil {
		s.recordError()
		s.logger.Warn("cache expire failed", "key", key, "error", err)
		return false
	}
	return ok
}

// TTL returns the remaining time to live for key.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, bool) {
	d, err := s.store.TTL(ctx, s.key(key))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.recordError()
			s.logger.Warn("cache ttl read failed", "key", key, "error", err)
		}
		return 0, false
	}
	return d, true
}

// Incr atomically adds one to the counter at key.
func (s *Service) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, ttl)
}

// IncrBy atomically adds delta to the counter at key, attaching ttl when
// the increment creates it.
func (s *Service) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	n, err := s.store.IncrBy(ctx, s.key(key), delta, ttl)
	if err != nil {
		s.recordError()
		return 0, err
	}
	return n, nil
}

// Decr atomically subtracts one from the counter at key.
func (s *Service) Decr(ctx context.Context, key string) (int64, error) {
	return s.IncrBy(ctx, key, -1, 0)
}

// SAdd adds members to the set at key.
func (s *Service) SAdd(ctx context.Context, key string, members ...string) error {
	if err := s.store.SAdd(ctx, s.key(key), members...); err != nil {
		s.recordError()
		return err
	}
	return nil
}

// SMembers returns the members of the set at key. Transport failures
// degrade to an empty set.
func (s *Service) SMembers(ctx context.Context, key string) []string {
	members, err := s.store.SMembers(ctx, s.key(key))
	if err != nil {
		s.recordError()
		s.logger.Warn("cache set read degraded to empty", "key", key, "error", err)
		return nil
	}
	return members
}

// SRem removes members from the set at key.
func (s *Service) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	n, err := s.store.SRem(ctx, s.key(key), members...)
	if err != nil {
		s.recordError()
		return 0, err
	}
	return n, nil
}

// HSet stores field=value in the hash at key.
func (s *Service) HSet(ctx context.Context, key, field, value string) error {
	if err := s.store.HSet(ctx, s.key(key), field, value); err != nil {
		s.recordError()
		return err
	}
	return nil
}

// HGet reads one field of the hash at key.
func (s *Service) HGet(ctx context.Context, key, field string) (string, bool) {
	v, err := s.store.HGet(ctx, s.key(key), field)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.recordError()
			s.logger.Warn("cache hash read degraded to miss", "key", key, "field", field, "error", err)
		}
		return "", false
	}
	return v, true
}

// HGetAll reads every field of the hash at key. Transport failures degrade
// to an empty map.
func (s *Service) HGetAll(ctx context.Context, key string) map[string]string {
	fields, err := s.store.HGetAll(ctx, s.key(key))
	if err != nil {
		s.recordError()
		s.logger.Warn("cache hash read degraded to empty", "key", key, "error", err)
		return map[string]string{}
	}
	return fields
}

// HDel removes fields from the hash at key.
func (s *Service) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := s.store.HDel(ctx, s.key(key), fields...)
	if err != nil {
		s.recordError()
		return 0, err
	}
	return n, nil
}

// HIncrBy atomically adds delta to an integer hash field.
func (s *Service) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.store.HIncrBy(ctx, s.key(key), field, delta)
	if err != nil {
		s.recordError()
		return 0, err
	}
	return n, nil
}

// GetOrSet returns the cached value for key, or coalesces concurrent
// callers onto a single fetch, stores the result and returns it. The
// flight shares the serialized bytes, not the fetched value, so every
// caller decodes into its own destination.
func (s *Service) GetOrSet(ctx context.Context, key string, ttl time.Duration, dest any, fetch Fetcher) error {
	if s.GetInto(ctx, key, dest) {
		return nil
	}

	full := s.key(key)
	v, err, _ := s.flight.Do(full, func() (any, error) {
		// A concurrent winner may have stored the value after our miss.
		if data, err := s.store.Get(ctx, full); err == nil {
			return data, nil
		}

		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		data, err := s.serializer.Marshal(value)
		if err != nil {
			s.recordError()
			return nil, fmt.Errorf("marshal %q: %w", key, err)
		}
		if err := s.store.Set(ctx, full, data, s.ttl(ttl)); err != nil {
			// Serve the fetched value even when caching it failed.
			s.recordError()
			s.logger.Warn("fetch-through write failed", "key", key, "error", err)
		} else {
			s.recordSet()
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	if err := s.serializer.Unmarshal(v.([]byte), dest); err != nil {
		s.recordError()
		return fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return nil
}

// Warm bulk-populates the cache. Entries are fetched one by one, entries
// whose fetch fails are skipped, and everything that survived is written
// in one batched round trip per distinct ttl.
func (s *Service) Warm(ctx context.Context, entries []WarmEntry) (int, error) {
	groups := make(map[time.Duration]map[string][]byte)
	for _, e := range entries {
		if e.Key == "" || e.Fetch == nil {
			continue
		}
		value, err := e.Fetch(ctx)
		if err != nil {
			s.logger.Warn("warm fetch failed, skipping entry", "key", e.Key, "error", err)
			continue
		}
		data, err := s.serializer.Marshal(value)
		if err != nil {
			s.recordError()
			s.logger.Warn("warm marshal failed, skipping entry", "key", e.Key, "error", err)
			continue
		}
		ttl := s.ttl(e.TTL)
		if groups[ttl] == nil {
			groups[ttl] = make(map[string][]byte)
		}
		groups[ttl][s.key(e.Key)] = data
	}

	written := 0
	for ttl, batch := range groups {
		if err := s.store.MSet(ctx, batch, ttl); err != nil {
			s.recordError()
			s.logger.Error("warm batch write failed", "keys", len(batch), "error", err)
			return written, err
		}
		written += len(batch)
		atomic.AddInt64(&s.stats.sets, int64(len(batch)))
	}
	s.logger.Debug("cache warmed", "requested", len(entries), "written", written)
	return written, nil
}

// Stats returns a snapshot of the operation counters.
// TakeTokens runs the store's atomic token-bucket operation under the
// service's key namespace. Bucket state is raw store data managed by
// the store script, so the serializer is not involved.
func (s *Service) TakeTokens(ctx context.Context, key string, capacity int64, refillPerSec float64, tokens int64, ttl time.Duration) (bool, float64, error) {
	allowed, remaining, err := s.store.TakeTokens(ctx, s.key(key), capacity, refillPerSec, tokens, ttl)
	if err != nil {
		s.recordError()
		return false, 0, err
	}
	return allowed, remaining, nil
}

func (s *Service) Stats() Stats {
	return Stats{
		Hits:    atomic.LoadInt64(&s.stats.hits),
		Misses:  atomic.LoadInt64(&s.stats.misses),
		Sets:    atomic.LoadInt64(&s.stats.sets),
		Deletes: atomic.LoadInt64(&s.stats.deletes),
		Errors:  atomic.LoadInt64(&s.stats.errors),
	}
}

// Store exposes the underlying store handle.
func (s *Service) Store() storage.Store {
	return s.store
}

// recordHit records a cache hit.
func (s *Service) recordHit() {
	atomic.AddInt64(&s.stats.hits, 1)
}

// recordMiss records a cache miss.
func (s *Service) recordMiss() {
	atomic.AddInt64(&s.stats.misses, 1)
}

// recordSet records a cache write.
func (s *Service) recordSet() {
	atomic.AddInt64(&s.stats.sets, 1)
}

// recordError records a degraded or failed operation.
func (s *Service) recordError() {
	atomic.AddInt64(&s.stats.errors, 1)
}

var _ Cache = (*Service)(nil)
