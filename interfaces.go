package lendingcache

import (
	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/creditcache"
	"github.com/credlane/lending-cache/invalidation"
	"github.com/credlane/lending-cache/monitoring"
	"github.com/credlane/lending-cache/ratelimit"
	"github.com/credlane/lending-cache/storage"
)

// Cache is an alias for cache.Cache.
type Cache = cache.Cache

// Stats is an alias for cache.Stats.
type Stats = cache.Stats

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Store is an alias for storage.Store.
type Store = storage.Store

// Serializer is an alias for storage.Serializer.
type Serializer = storage.Serializer

// Event is an alias for invalidation.Event.
type Event = invalidation.Event

// InvalidationRule is an alias for invalidation.Rule.
type InvalidationRule = invalidation.Rule

// Target is an alias for invalidation.Target.
type Target = invalidation.Target

// Decision is an alias for ratelimit.Decision.
type Decision = ratelimit.Decision

// FixedWindowRule is an alias for ratelimit.FixedWindowRule.
type FixedWindowRule = ratelimit.FixedWindowRule

// TokenBucketRule is an alias for ratelimit.TokenBucketRule.
type TokenBucketRule = ratelimit.TokenBucketRule

// CreditScore is an alias for creditcache.CreditScore.
type CreditScore = creditcache.CreditScore

// Health is an alias for monitoring.Health.
type Health = monitoring.Health
