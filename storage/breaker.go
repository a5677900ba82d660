package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker wrapped around a Store.
type BreakerConfig struct {
	// Name identifies the breaker in state-change notifications.
	Name string

	// MaxRequests is how many probe requests may pass while half-open.
	MaxRequests uint32

	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration

	// MinRequests is the minimum number of requests in a window before
	// the failure ratio is considered at all.
	MinRequests uint32

	// FailureRatio is the fraction of failed requests that trips the
	// breaker once MinRequests is reached.
	FailureRatio float64

	// OnStateChange, when set, is invoked on every breaker transition.
	OnStateChange func(name, from, to string)
}

// Normalize fills zero fields with production defaults.
func (c *BreakerConfig) Normalize() {
	if c.Name == "" {
		c.Name = "store"
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 10
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.6
	}
}

// BreakerStore decorates a Store with a circuit breaker so that a dead
// server fails calls fast instead of stacking timeouts. Rejected calls
// surface as ErrConnectivity, which the layers above already treat as a
// degrade signal. Semantic misses (ErrNotFound, ErrWrongType) never count
// as failures.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps inner with a circuit breaker.
func NewBreakerStore(inner Store, cfg BreakerConfig) *BreakerStore {
	cfg.Normalize()
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrWrongType)
		},
	}
	if cfg.OnStateChange != nil {
		onChange := cfg.OnStateChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			onChange(name, from.String(), to.String())
		}
	}
	return &BreakerStore{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the breaker state as a string ("closed", "half-open",
// "open").
func (bs *BreakerStore) State() string {
	return bs.cb.State().String()
}

// Inner returns the wrapped store.
func (bs *BreakerStore) Inner() Store {
	return bs.inner
}

func (bs *BreakerStore) execute(fn func() (any, error)) (any, error) {
	res, err := bs.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return res, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	return res, err
}

func (bs *BreakerStore) run(fn func() error) error {
	_, err := bs.execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Get retrieves a value through the breaker.
func (bs *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := bs.execute(func() (any, error) {
		return bs.inner.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// Set stores a value through the breaker.
func (bs *BreakerStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return bs.run(func() error {
		return bs.inner.Set(ctx, key, value, ttl)
	})
}

// MGet retrieves multiple values through the breaker.
func (bs *BreakerStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	res, err := bs.execute(func() (any, error) {
		return bs.inner.MGet(ctx, keys...)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

// MSet stores multiple values through the breaker.
func (bs *BreakerStore) MSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	return bs.run(func() error {
		return bs.inner.MSet(ctx, entries, ttl)
	})
}

// Del removes keys through the breaker.
func (bs *BreakerStore) Del(ctx context.Context, keys ...string) (int64, error) {
	res, err := bs.execute(func() (any, error) {
		n, err := bs.inner.Del(ctx, keys...)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Exists checks presence through the breaker.
func (bs *BreakerStore) Exists(ctx context.Context, key string) (bool, error) {
	res, err := bs.execute(func() (any, error) {
		ok, err := bs.inner.Exists(ctx, key)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Expire updates a ttl through the breaker.
func (bs *BreakerStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := bs.execute(func() (any, error) {
		ok, err := bs.inner.Expire(ctx, key, ttl)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// TTL reads a ttl through the breaker.
func (bs *BreakerStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	res, err := bs.execute(func() (any, error) {
		d, err := bs.inner.TTL(ctx, key)
		return d, err
	})
	if err != nil {
		return 0, err
	}
	return res.(time.Duration), nil
}

// IncrBy increments through the breaker.
func (bs *BreakerStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	res, err := bs.execute(func() (any, error) {
		n, err := bs.inner.IncrBy(ctx, key, delta, ttl)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// TakeTokens debits a token bucket through the breaker.
func (bs *BreakerStore) TakeTokens(ctx context.Context, key string, capacity int64, refillPerSec float64, tokens int64, ttl time.Duration) (bool, float64, error) {
	type result struct {
		allowed   bool
		remaining float64
	}
	res, err := bs.execute(func() (any, error) {
		allowed, remaining, err := bs.inner.TakeTokens(ctx, key, capacity, refillPerSec, tokens, ttl)
		return result{allowed, remaining}, err
	})
	if err != nil {
		return false, 0, err
	}
	r := res.(result)
	return r.allowed, r.remaining, nil
}

// SAdd adds set members through the breaker.
func (bs *BreakerStore) SAdd(ctx context.Context, key string, members ...string) error {
	return bs.run(func() error {
		return bs.inner.SAdd(ctx, key, members...)
	})
}

// SMembers reads set members through the breaker.
func (bs *BreakerStore) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := bs.execute(func() (any, error) {
		return bs.inner.SMembers(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

// SRem removes set members through the breaker.
func (bs *BreakerStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	res, err := bs.execute(func() (any, error) {
		n, err := bs.inner.SRem(ctx, key, members...)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// HSet writes a hash field through the breaker.
func (bs *BreakerStore) HSet(ctx context.Context, key, field, value string) error {
	return bs.run(func() error {
		return bs.inner.HSet(ctx, key, field, value)
	})
}

// HGet reads a hash field through the breaker.
func (bs *BreakerStore) HGet(ctx context.Context, key, field string) (string, error) {
	res, err := bs.execute(func() (any, error) {
		return bs.inner.HGet(ctx, key, field)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// HGetAll reads a whole hash through the breaker.
func (bs *BreakerStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := bs.execute(func() (any, error) {
		return bs.inner.HGetAll(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// HDel removes hash fields through the breaker.
func (bs *BreakerStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	res, err := bs.execute(func() (any, error) {
		n, err := bs.inner.HDel(ctx, key, fields...)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// HIncrBy increments a hash field through the breaker.
func (bs *BreakerStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	res, err := bs.execute(func() (any, error) {
		n, err := bs.inner.HIncrBy(ctx, key, field, delta)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return res.(int64), nil
}

// Scan iterates the keyspace through the breaker.
func (bs *BreakerStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	type result struct {
		keys []string
		next uint64
	}
	res, err := bs.execute(func() (any, error) {
		keys, next, err := bs.inner.Scan(ctx, cursor, pattern, count)
		return result{keys, next}, err
	})
	if err != nil {
		return nil, 0, err
	}
	r := res.(result)
	return r.keys, r.next, nil
}

// Publish sends a message through the breaker.
func (bs *BreakerStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return bs.run(func() error {
		return bs.inner.Publish(ctx, channel, payload)
	})
}

// Subscribe opens a subscription through the breaker. Only the initial
// handshake is guarded; an established subscription is not re-routed.
func (bs *BreakerStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	res, err := bs.execute(func() (any, error) {
		return bs.inner.Subscribe(ctx, channel)
	})
	if err != nil {
		return nil, err
	}
	return res.(Subscription), nil
}

// Ping probes the store through the breaker, so an open breaker shows up
// as an unhealthy store.
func (bs *BreakerStore) Ping(ctx context.Context) error {
	return bs.run(func() error {
		return bs.inner.Ping(ctx)
	})
}

// Close closes the wrapped store directly; teardown must work even when
// the breaker is open.
func (bs *BreakerStore) Close() error {
	return bs.inner.Close()
}

var _ Store = (*BreakerStore)(nil)
