// Package lendingcache assembles the shared caching layer of the
// lending platform: one store-backed cache service plus the rate
// limiter, HTTP response cache, invalidation engine, credit score
// cache, monitor and administrative API built on top of it.
package lendingcache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/credlane/lending-cache/admin"
	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/creditcache"
	"github.com/credlane/lending-cache/httpcache"
	"github.com/credlane/lending-cache/invalidation"
	"github.com/credlane/lending-cache/monitoring"
	"github.com/credlane/lending-cache/ratelimit"
	"github.com/credlane/lending-cache/storage"
)

// Config configures a caching layer instance.
type Config struct {
	// InstanceID identifies this process in invalidation events.
	// Empty picks a random id.
	InstanceID string

	// RedisAddr is the store address (e.g. "localhost:6379").
	RedisAddr string

	// RedisPassword is the optional store password.
	RedisPassword string

	// RedisDB is the store database number.
	RedisDB int

	// Store, when set, is used instead of dialing RedisAddr. The layer
	// does not close an injected store.
	Store storage.Store

	// Breaker wraps the store in a circuit breaker when non-nil. Zero
	// fields take production defaults.
	Breaker *storage.BreakerConfig

	// KeyPrefix namespaces every key this layer writes.
	KeyPrefix string

	// SerializationFormat is "json" or "msgpack". Empty means JSON.
	SerializationFormat string

	// Logger is used by every component. If nil, a production zap
	// logger is built and owned by the layer.
	Logger cache.Logger

	// DefaultTTL applies to cache writes without their own TTL.
	DefaultTTL time.Duration

	// InvalidationChannel carries invalidation events between
	// instances.
	InvalidationChannel string

	// AuditSize bounds the in-memory invalidation audit trail.
	AuditSize int

	// ResponseRules are registered on the HTTP response cache at
	// startup.
	ResponseRules []httpcache.Rule

	// MaxResponseBytes caps cacheable HTTP response bodies.
	MaxResponseBytes int

	// CreditMaxTTL is the policy ceiling for cached credit scores.
	CreditMaxTTL time.Duration

	// Admin configures the administrative HTTP server. An empty
	// ListenAddr leaves it disabled.
	Admin admin.Config
}

// DefaultConfig returns the configuration a single-node deployment
// starts from. Store credentials and the admin listener still need to
// be filled in.
func DefaultConfig() Config {
	return Config{
		RedisAddr:           "localhost:6379",
		RedisDB:             0,
		KeyPrefix:           "lend:",
		SerializationFormat: storage.FormatJSON,
		DefaultTTL:          5 * time.Minute,
		InvalidationChannel: invalidation.DefaultChannel,
		CreditMaxTTL:        24 * time.Hour,
		Breaker:             &storage.BreakerConfig{},
	}
}

// Layer is a fully assembled caching layer.
type Layer struct {
	logger    cache.Logger
	zapBase   *zap.Logger
	store     storage.Store
	ownsStore bool

	cache        *cache.Service
	limiter      *ratelimit.Limiter
	invalidation *invalidation.Service
	responses    *httpcache.Cache
	credit       *creditcache.Cache
	monitor      *monitoring.Monitor
	admin        *admin.Server
}

// New builds the layer: store (dialed or injected, optionally breaker
// wrapped), cache service, rate limiter, invalidation service (started,
// subscribed), HTTP response cache, credit cache, monitor, and the
// admin server when configured. On error everything already built is
// torn down.
func New(cfg Config) (*Layer, error) {
	l := &Layer{logger: cfg.Logger}

	if l.logger == nil {
		base, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		l.zapBase = base
		l.logger = cache.NewZapLogger(base)
	}

	if err := l.init(cfg); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Layer) init(cfg Config) error {
	l.store = cfg.Store
	if l.store == nil {
		store, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		l.store = store
		l.ownsStore = true
	}
	if cfg.Breaker != nil {
		l.store = storage.NewBreakerStore(l.store, *cfg.Breaker)
	}

	serializer, err := storage.GetSerializer(cfg.SerializationFormat)
	if err != nil {
		return err
	}

	svc, err := cache.New(cache.Options{
		Store:      l.store,
		Serializer: serializer,
		Logger:     l.logger,
		KeyPrefix:  cfg.KeyPrefix,
		DefaultTTL: cfg.DefaultTTL,
	})
	if err != nil {
		return err
	}
	l.cache = svc

	l.limiter, err = ratelimit.New(ratelimit.Options{Cache: svc, Logger: l.logger})
	if err != nil {
		return err
	}

	l.invalidation, err = invalidation.New(invalidation.Options{
		Store:      l.store,
		Logger:     l.logger,
		KeyPrefix:  cfg.KeyPrefix,
		Channel:    cfg.InvalidationChannel,
		InstanceID: cfg.InstanceID,
		AuditSize:  cfg.AuditSize,
	})
	if err != nil {
		return err
	}
	if err := l.invalidation.Start(context.Background()); err != nil {
		return err
	}

	l.responses, err = httpcache.New(httpcache.Options{
		Cache:       svc,
		Logger:      l.logger,
		Invalidator: l.invalidation,
		MaxBodySize: cfg.MaxResponseBytes,
		Rules:       cfg.ResponseRules,
	})
	if err != nil {
		return err
	}

	l.credit, err = creditcache.New(svc, creditcache.Options{
		PolicyMaxTTL: cfg.CreditMaxTTL,
		Logger:       l.logger,
	})
	if err != nil {
		return err
	}

	l.monitor, err = monitoring.New(monitoring.Options{
		Store:             l.store,
		Logger:            l.logger,
		CacheStats:        svc.Stats,
		LimiterStats:      l.limiter.Stats,
		InvalidationStats: l.invalidation.Stats,
	})
	if err != nil {
		return err
	}

	l.admin, err = admin.New(admin.Options{
		Config:       cfg.Admin,
		Logger:       l.logger,
		Cache:        svc,
		Invalidation: l.invalidation,
		Monitor:      l.monitor,
		Limiter:      l.limiter,
		Credit:       l.credit,
		Collector:    monitoring.NewCollector(l.monitor),
	})
	if err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.admin.Start(startCtx); err != nil {
		return err
	}

	l.logger.Info("caching layer ready",
		"prefix", cfg.KeyPrefix, "serializer", cfg.SerializationFormat,
		"admin", cfg.Admin.ListenAddr)
	return nil
}

// Close tears the layer down in reverse build order: admin server,
// invalidation service (scheduler stopped, pending timers cancelled,
// channel unsubscribed), response cache, and finally the store if this
// layer opened it.
func (l *Layer) Close() error {
	var errs []error

	if l.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if l.invalidation != nil {
		if err := l.invalidation.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.responses != nil {
		if err := l.responses.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.ownsStore && l.store != nil {
		if err := l.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.zapBase != nil {
		_ = l.zapBase.Sync()
	}
	return errors.Join(errs...)
}

// Cache returns the shared cache service.
func (l *Layer) Cache() *cache.Service { return l.cache }

// RateLimiter returns the rate limiter.
func (l *Layer) RateLimiter() *ratelimit.Limiter { return l.limiter }

// Invalidation returns the invalidation service.
func (l *Layer) Invalidation() *invalidation.Service { return l.invalidation }

// Responses returns the HTTP response cache.
func (l *Layer) Responses() *httpcache.Cache { return l.responses }

// Credit returns the credit score cache.
func (l *Layer) Credit() *creditcache.Cache { return l.credit }

// Monitor returns the health and metrics monitor.
func (l *Layer) Monitor() *monitoring.Monitor { return l.monitor }

// Admin returns the administrative server, disabled unless configured
// with a listen address.
func (l *Layer) Admin() *admin.Server { return l.admin }

// Store returns the store handle the layer runs on, with the breaker
// wrap applied when one is configured.
func (l *Layer) Store() storage.Store { return l.store }
