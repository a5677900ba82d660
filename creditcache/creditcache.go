// Package creditcache caches credit scores on top of the cache service,
// adding the domain TTL policy: storage TTL derived from the score's
// business validity window, a read-side validity check, and secondary
// indices by score-range bucket and by status.
package creditcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/credlane/lending-cache/cache"
)

// Score-range buckets. Thresholds follow the standard consumer-score
// bands: below 580 poor, below 670 fair, below 740 good, 740 and up
// excellent.
const (
	BucketPoor      = "poor"
	BucketFair      = "fair"
	BucketGood      = "good"
	BucketExcellent = "excellent"
)

const (
	scorePrefix  = "credit:score:"
	rangePrefix  = "credit:idx:range:"
	statusPrefix = "credit:idx:status:"

	minEffectiveTTL     = time.Hour
	defaultPolicyMaxTTL = 24 * time.Hour
)

var (
	// ErrInvalidScore indicates a score that failed validation.
	ErrInvalidScore = cache.NewError("invalid credit score")

	// ErrUnknownBucket indicates a range lookup for a bucket name that
	// does not exist.
	ErrUnknownBucket = cache.NewError("unknown score bucket")
)

var validate = validator.New()

// CreditScore is the cached representation of one user's score.
// ValidUntil is the business validity window: a stored score past it is
// treated as absent regardless of the storage TTL. A zero ValidUntil
// means the score has no validity window of its own.
type CreditScore struct {
	UserID     string    `json:"user_id" validate:"required"`
	Score      int       `json:"score" validate:"gte=300,lte=850"`
	Bureau     string    `json:"bureau,omitempty"`
	Status     string    `json:"status,omitempty"`
	ComputedAt time.Time `json:"computed_at,omitempty"`
	ValidUntil time.Time `json:"valid_until,omitempty"`
}

// Bucket returns the score-range bucket this score indexes under.
func (s CreditScore) Bucket() string {
	return BucketFor(s.Score)
}

// BucketFor maps a numeric score to its range bucket.
func BucketFor(score int) string {
	switch {
	case score < 580:
		return BucketPoor
	case score < 670:
		return BucketFair
	case score < 740:
		return BucketGood
	default:
		return BucketExcellent
	}
}

// Buckets lists every score-range bucket, lowest first.
func Buckets() []string {
	return []string{BucketPoor, BucketFair, BucketGood, BucketExcellent}
}

// Options configures a credit score cache.
type Options struct {
	// PolicyMaxTTL caps the storage TTL regardless of how far out the
	// score's validity window reaches. Defaults to 24h.
	PolicyMaxTTL time.Duration

	// Logger defaults to a no-op logger.
	Logger cache.Logger
}

// Cache stores credit scores with validity-aware expiration.
type Cache struct {
	svc          cache.Cache
	logger       cache.Logger
	policyMaxTTL time.Duration
	flight       singleflight.Group
	now          func() time.Time

	stats struct {
		hits          int64
		misses        int64
		expired       int64
		writes        int64
		invalidations int64
	}
}

// New creates a credit score cache on top of the given cache service.
func New(svc cache.Cache, opts Options) (*Cache, error) {
	if svc == nil {
		return nil, cache.ErrInvalidConfig
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.PolicyMaxTTL <= 0 {
		opts.PolicyMaxTTL = defaultPolicyMaxTTL
	}
	return &Cache{
		svc:          svc,
		logger:       opts.Logger,
		policyMaxTTL: opts.PolicyMaxTTL,
		now:          time.Now,
	}, nil
}

// PutScore stores a score under its user key and enrolls the user in
// the score-range and status index sets. Storage TTL is the time left
// in the validity window, clamped between one hour and the policy
// ceiling, and the indices receive the same TTL so they never decay
// later than the data they point at.
func (c *Cache) PutScore(ctx context.Context, score CreditScore) error {
	if err := validate.Struct(&score); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScore, err)
	}

	ttl := c.effectiveTTL(score.ValidUntil)
	key := scorePrefix + score.UserID

	// An existing entry may sit in different index sets; drop it from
	// those before the write so a user is never listed in two buckets.
	var prev CreditScore
	if c.svc.GetInto(ctx, key, &prev) {
		c.dropFromIndices(ctx, prev, score)
	}

	if err := c.svc.Set(ctx, key, score, ttl); err != nil {
		return err
	}

	c.indexUser(ctx, rangePrefix+score.Bucket(), score.UserID, ttl)
	if score.Status != "" {
		c.indexUser(ctx, statusPrefix+score.Status, score.UserID, ttl)
	}

	atomic.AddInt64(&c.stats.writes, 1)
	c.logger.Debug("stored credit score",
		"user_id", score.UserID, "bucket", score.Bucket(), "ttl", ttl)
	return nil
}

// GetScore retrieves a user's score. A stored score whose validity
// window has passed is treated as absent, deleted from storage and
// removed from its index sets.
func (c *Cache) GetScore(ctx context.Context, userID string) (CreditScore, bool) {
	var score CreditScore
	if !c.svc.GetInto(ctx, scorePrefix+userID, &score) {
		atomic.AddInt64(&c.stats.misses, 1)
		return CreditScore{}, false
	}

	if !score.ValidUntil.IsZero() && !c.now().Before(score.ValidUntil) {
		atomic.AddInt64(&c.stats.expired, 1)
		c.logger.Debug("evicting score past its validity window",
			"user_id", userID, "valid_until", score.ValidUntil)
		c.remove(ctx, score)
		return CreditScore{}, false
	}

	atomic.AddInt64(&c.stats.hits, 1)
	return score, true
}

// UsersInRange returns the user ids currently indexed under the named
// score-range bucket.
func (c *Cache) UsersInRange(ctx context.Context, bucket string) ([]string, error) {
	switch bucket {
	case BucketPoor, BucketFair, BucketGood, BucketExcellent:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)
	}
	return c.svc.SMembers(ctx, rangePrefix+bucket), nil
}

// UsersWithStatus returns the user ids currently indexed under the
// given status.
func (c *Cache) UsersWithStatus(ctx context.Context, status string) []string {
	return c.svc.SMembers(ctx, statusPrefix+status)
}

// Invalidate removes a user's score and its index memberships. It
// reports whether a score was present.
func (c *Cache) Invalidate(ctx context.Context, userID string) (bool, error) {
	var score CreditScore
	if !c.svc.GetInto(ctx, scorePrefix+userID, &score) {
		// Nothing cached; clear any index leftovers anyway.
		for _, bucket := range Buckets() {
			if _, err := c.svc.SRem(ctx, rangePrefix+bucket, userID); err != nil {
				return false, err
			}
		}
		return false, nil
	}
	c.remove(ctx, score)
	atomic.AddInt64(&c.stats.invalidations, 1)
	return true, nil
}

// Reader wraps a bureau fetch into a read-through lookup: valid cached
// scores are served directly, everything else is fetched once per user
// (concurrent lookups coalesce), stored via PutScore and returned.
//
// PutScore rather than a plain write keeps the index sets and the
// validity-derived TTL on the fetch path too.
func (c *Cache) Reader(fetch func(ctx context.Context, userID string) (CreditScore, error)) func(ctx context.Context, userID string) (CreditScore, error) {
	return func(ctx context.Context, userID string) (CreditScore, error) {
		if score, ok := c.GetScore(ctx, userID); ok {
			return score, nil
		}
		v, err, _ := c.flight.Do(userID, func() (any, error) {
			if score, ok := c.GetScore(ctx, userID); ok {
				return score, nil
			}
			score, err := fetch(ctx, userID)
			if err != nil {
				return nil, err
			}
			if perr := c.PutScore(ctx, score); perr != nil {
				c.logger.Warn("failed to cache fetched score",
					"user_id", userID, "error", perr)
			}
			return score, nil
		})
		if err != nil {
			return CreditScore{}, err
		}
		return v.(CreditScore), nil
	}
}

// Stats represents credit cache statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Expired       int64
	Writes        int64
	Invalidations int64
}

// Stats returns a snapshot of the operation counters. Reads rejected by
// the validity check count as Expired, not as Misses.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          atomic.LoadInt64(&c.stats.hits),
		Misses:        atomic.LoadInt64(&c.stats.misses),
		Expired:       atomic.LoadInt64(&c.stats.expired),
		Writes:        atomic.LoadInt64(&c.stats.writes),
		Invalidations: atomic.LoadInt64(&c.stats.invalidations),
	}
}

// effectiveTTL derives the storage TTL from the validity window:
// clamp(time until ValidUntil, 1h, PolicyMaxTTL). A zero ValidUntil
// takes the policy ceiling.
func (c *Cache) effectiveTTL(validUntil time.Time) time.Duration {
	if validUntil.IsZero() {
		return c.policyMaxTTL
	}
	ttl := validUntil.Sub(c.now())
	if ttl < minEffectiveTTL {
		ttl = minEffectiveTTL
	}
	if ttl > c.policyMaxTTL {
		ttl = c.policyMaxTTL
	}
	return ttl
}

// indexUser adds the user to an index set and re-arms the set's TTL.
// The set carries the most recent write's TTL; a member whose score
// outlives the set drops out of lookups early, never late.
func (c *Cache) indexUser(ctx context.Context, key, userID string, ttl time.Duration) {
	if err := c.svc.SAdd(ctx, key, userID); err != nil {
		c.logger.Warn("failed to index score", "key", key, "error", err)
		return
	}
	c.svc.Expire(ctx, key, ttl)
}

// dropFromIndices removes prev's index memberships that next no longer
// occupies.
func (c *Cache) dropFromIndices(ctx context.Context, prev, next CreditScore) {
	if prev.Bucket() != next.Bucket() {
		if _, err := c.svc.SRem(ctx, rangePrefix+prev.Bucket(), prev.UserID); err != nil {
			c.logger.Warn("failed to deindex score", "bucket", prev.Bucket(), "error", err)
		}
	}
	if prev.Status != "" && prev.Status != next.Status {
		if _, err := c.svc.SRem(ctx, statusPrefix+prev.Status, prev.UserID); err != nil {
			c.logger.Warn("failed to deindex score", "status", prev.Status, "error", err)
		}
	}
}

// remove deletes a score and its index memberships.
func (c *Cache) remove(ctx context.Context, score CreditScore) {
	if _, err := c.svc.Delete(ctx, scorePrefix+score.UserID); err != nil {
		c.logger.Warn("failed to delete score", "user_id", score.UserID, "error", err)
	}
	if _, err := c.svc.SRem(ctx, rangePrefix+score.Bucket(), score.UserID); err != nil {
		c.logger.Warn("failed to deindex score", "bucket", score.Bucket(), "error", err)
	}
	if score.Status != "" {
		if _, err := c.svc.SRem(ctx, statusPrefix+score.Status, score.UserID); err != nil {
			c.logger.Warn("failed to deindex score", "status", score.Status, "error", err)
		}
	}
}
