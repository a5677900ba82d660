// Package ratelimit provides store-backed request limiting with three
// primitives: fixed-window counters, token buckets, and a manual block
// overlay that short-circuits both.
//
// On store failure the limiter fails open: the request is allowed, the
// error is logged and counted. Deployments that need hard enforcement
// under store outages must front this limiter with something stricter.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/credlane/lending-cache/cache"
)

// FixedWindowRule bounds requests per fixed time window. The counter
// resets at exact window boundaries, so bursts of up to 2*Max can cross
// a boundary; use a token bucket where that matters.
type FixedWindowRule struct {
	Window time.Duration
	Max    int64
}

// Normalize fills zero fields with safe defaults.
func (r *FixedWindowRule) Normalize() {
	if r.Window <= 0 {
		r.Window = time.Minute
	}
	if r.Max <= 0 {
		r.Max = 100
	}
}

// TokenBucketRule bounds requests by a continuously refilling credit
// pool capped at Capacity.
type TokenBucketRule struct {
	Capacity     int64
	RefillPerSec float64
}

// Normalize fills zero fields with safe defaults.
func (r *TokenBucketRule) Normalize() {
	if r.Capacity <= 0 {
		r.Capacity = 100
	}
	if r.RefillPerSec <= 0 {
		r.RefillPerSec = 1
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the quota left after this check. Zero when denied.
	Remaining int64
	// ResetAt is when the quota replenishes enough to admit the same
	// request again.
	ResetAt time.Time
	// Blocked reports that the manual block overlay denied the request
	// before any quota logic ran.
	Blocked bool
	// FailedOpen reports that the store failed and the request was
	// allowed without consuming quota.
	FailedOpen bool
}

// Stats represents limiter statistics.
type Stats struct {
	Allowed int64
	Denied  int64
	Blocked int64
	Errors  int64
}

// Options configures a Limiter.
type Options struct {
	// Cache is the shared cache service the limiter stores its state
	// in. Required.
	Cache cache.Cache
	// Logger receives fail-open and enforcement events. Defaults to a
	// no-op logger.
	Logger cache.Logger
	// KeyPrefix namespaces limiter state inside the cache service's
	// own namespace. Defaults to "rl:".
	KeyPrefix string
}

// Limiter enforces request quotas backed by the shared cache service.
type Limiter struct {
	cache  cache.Cache
	logger cache.Logger
	prefix string
	now    func() time.Time
	stats  limiterStats
}

type limiterStats struct {
	allowed int64
	denied  int64
	blocked int64
	errors  int64
}

// New creates a Limiter from the given options.
func New(opts Options) (*Limiter, error) {
	if opts.Cache == nil {
		return nil, cache.ErrInvalidConfig
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "rl:"
	}
	return &Limiter{
		cache:  opts.Cache,
		logger: opts.Logger,
		prefix: opts.KeyPrefix,
		now:    time.Now,
	}, nil
}

func (l *Limiter) windowKey(id string, windowStart int64) string {
	return fmt.Sprintf("%sfw:%s:%d", l.prefix, id, windowStart)
}

func (l *Limiter) bucketKey(id string) string {
	return l.prefix + "tb:" + id
}

func (l *Limiter) blockKey(id string) string {
	return l.prefix + "block:" + id
}

// AllowFixedWindow admits the request iff the caller's counter for the
// current window is at or under rule.Max after this increment. The
// increment and the first-write TTL are a single atomic store
// operation.
func (l *Limiter) AllowFixedWindow(ctx context.Context, id string, rule FixedWindowRule) Decision {
	rule.Normalize()

	if d, blocked := l.checkBlocked(ctx, id); blocked {
		return d
	}

	now := l.now()
	windowStart := now.Truncate(rule.Window)
	resetAt := windowStart.Add(rule.Window)

	count, err := l.cache.IncrBy(ctx, l.windowKey(id, windowStart.Unix()), 1, rule.Window)
	if err != nil {
		return l.failOpen(id, "fixed_window", err, resetAt)
	}

	remaining := rule.Max - count
	if remaining < 0 {
		remaining = 0
	}
	if count > rule.Max {
		l.recordDenied()
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	l.recordAllowed()
	return Decision{Allowed: true, Remaining: remaining, ResetAt: resetAt}
}

// AllowTokenBucket admits the request iff the caller's bucket holds at
// least tokens credits. Refill accounting runs atomically inside the
// store; bucket state expires after a full-refill horizon of
// inactivity.
func (l *Limiter) AllowTokenBucket(ctx context.Context, id string, rule TokenBucketRule, tokens int64) Decision {
	rule.Normalize()
	if tokens <= 0 {
		tokens = 1
	}

	if d, blocked := l.checkBlocked(ctx, id); blocked {
		return d
	}

	now := l.now()
	horizon := time.Duration(float64(rule.Capacity) / rule.RefillPerSec * float64(time.Second))

	allowed, remaining, err := l.cache.TakeTokens(ctx, l.bucketKey(id), rule.Capacity, rule.RefillPerSec, tokens, horizon)
	if err != nil {
		return l.failOpen(id, "token_bucket", err, now)
	}

	d := Decision{Allowed: allowed, Remaining: int64(math.Floor(remaining))}
	if allowed {
		l.recordAllowed()
		d.ResetAt = now
		return d
	}

	// Earliest instant the same request could succeed.
	deficit := float64(tokens) - remaining
	d.ResetAt = now.Add(time.Duration(deficit / rule.RefillPerSec * float64(time.Second)))
	l.recordDenied()
	return d
}

// Block denies all requests from id for ttl, regardless of quota.
func (l *Limiter) Block(ctx context.Context, id string, ttl time.Duration) error {
	if err := l.cache.Set(ctx, l.blockKey(id), 1, ttl); err != nil {
		l.recordError()
		return fmt.Errorf("block %q: %w", id, err)
	}
	l.logger.Info("identifier blocked", "id", id, "ttl", ttl)
	return nil
}

// IsBlocked reports whether id is currently blocked. Store errors read
// as not blocked, consistent with the fail-open policy.
func (l *Limiter) IsBlocked(ctx context.Context, id string) bool {
	return l.cache.Exists(ctx, l.blockKey(id))
}

// Unblock lifts a block immediately, regardless of its remaining TTL.
func (l *Limiter) Unblock(ctx context.Context, id string) error {
	if _, err := l.cache.Delete(ctx, l.blockKey(id)); err != nil {
		l.recordError()
		return fmt.Errorf("unblock %q: %w", id, err)
	}
	l.logger.Info("identifier unblocked", "id", id)
	return nil
}

// Stats returns a snapshot of the limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed: atomic.LoadInt64(&l.stats.allowed),
		Denied:  atomic.LoadInt64(&l.stats.denied),
		Blocked: atomic.LoadInt64(&l.stats.blocked),
		Errors:  atomic.LoadInt64(&l.stats.errors),
	}
}

func (l *Limiter) checkBlocked(ctx context.Context, id string) (Decision, bool) {
	if !l.IsBlocked(ctx, id) {
		return Decision{}, false
	}
	l.recordBlocked()
	d := Decision{Allowed: false, Blocked: true}
	if ttl, ok := l.cache.TTL(ctx, l.blockKey(id)); ok && ttl > 0 {
		d.ResetAt = l.now().Add(ttl)
	}
	return d, true
}

func (l *Limiter) failOpen(id, kind string, err error, resetAt time.Time) Decision {
	l.recordError()
	l.logger.Warn("rate limit check failed open", "id", id, "kind", kind, "error", err)
	return Decision{Allowed: true, Remaining: 0, ResetAt: resetAt, FailedOpen: true}
}

// recordAllowed records an admitted request.
func (l *Limiter) recordAllowed() {
	atomic.AddInt64(&l.stats.allowed, 1)
}

// recordDenied records a quota denial.
func (l *Limiter) recordDenied() {
	atomic.AddInt64(&l.stats.denied, 1)
}

// recordBlocked records a manual-block denial.
func (l *Limiter) recordBlocked() {
	atomic.AddInt64(&l.stats.blocked, 1)
}

// recordError records a store failure observed by the limiter.
func (l *Limiter) recordError() {
	atomic.AddInt64(&l.stats.errors, 1)
}
