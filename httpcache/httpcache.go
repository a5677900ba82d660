// Package httpcache caches upstream API responses under registered
// rules, keyed by request shape. It is framework-neutral: callers
// describe requests and responses with plain descriptors and decide
// themselves how to map cached entries back onto their transport.
package httpcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/credlane/lending-cache/cache"
)

// ErrNoInvalidator is returned when pattern or tag invalidation is
// requested but no invalidator was configured.
var ErrNoInvalidator = cache.NewError("no invalidator configured")

// Request describes an inbound request independently of any HTTP
// framework.
type Request struct {
	Method   string
	URL      string
	Query    url.Values
	Headers  http.Header
	CallerID string
	TenantID string
}

// Response describes an upstream response to be considered for
// caching.
type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
}

// CachedResponse is the stored form of a cacheable response. Headers
// are flattened to first values; ETag and Last-Modified are lifted out
// for conditional-request handling.
type CachedResponse struct {
	StatusCode   int               `json:"status_code"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	CachedAt     time.Time         `json:"cached_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Size         int               `json:"size"`
	RuleName     string            `json:"rule_name,omitempty"`
}

// Result is the outcome of a cache lookup. When NotModified is true
// the response carries metadata only and the caller should answer 304.
type Result struct {
	Response    *CachedResponse
	NotModified bool
}

// Invalidator is the slice of the invalidation service this cache
// depends on for tag bookkeeping and grouped eviction.
type Invalidator interface {
	TagKeys(ctx context.Context, key string, tags ...string) error
	InvalidatePattern(ctx context.Context, pattern, reason, source string) (int64, error)
	InvalidateTags(ctx context.Context, tags []string, reason, source string) (int64, error)
}

// Stats represents response-cache statistics.
type Stats struct {
	Hits          int64
	Misses        int64
	Stores        int64
	NotModified   int64
	Errors        int64
	Invalidations int64
}

// Options configures a response cache.
type Options struct {
	// Cache is the shared cache service responses are stored in.
	// Required.
	Cache cache.Cache
	// Logger defaults to a no-op logger.
	Logger cache.Logger
	// Invalidator wires pattern and tag invalidation. Optional; when
	// nil those operations return ErrNoInvalidator.
	Invalidator Invalidator
	// MaxBodySize rejects larger bodies from being cached. Defaults to
	// 1 MiB.
	MaxBodySize int
	// Rules are registered in order at construction.
	Rules []Rule
}

// Cache stores and serves API responses under registered rules.
type Cache struct {
	cache       cache.Cache
	logger      cache.Logger
	invalidator Invalidator
	maxBody     int
	now         func() time.Time

	mu    sync.RWMutex
	rules []*Rule
	gen   int64

	// matches memoizes, per (method, URL), the index of the first rule
	// whose pattern matches, so repeated lookups skip the scan prefix.
	// Conditions still run per request.
	matches *ristretto.Cache

	stats responseStats
}

type responseStats struct {
	hits          int64
	misses        int64
	stores        int64
	notModified   int64
	errors        int64
	invalidations int64
}

// New creates a response cache from the given options.
func New(opts Options) (*Cache, error) {
	if opts.Cache == nil {
		return nil, cache.ErrInvalidConfig
	}
	if opts.Logger == nil {
		opts.Logger = cache.NewNoOpLogger()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}

	matches, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("rule match cache: %w", err)
	}

	c := &Cache{
		cache:       opts.Cache,
		logger:      opts.Logger,
		invalidator: opts.Invalidator,
		maxBody:     opts.MaxBodySize,
		now:         time.Now,
		matches:     matches,
	}
	for i := range opts.Rules {
		if err := c.AddRule(opts.Rules[i]); err != nil {
			matches.Close()
			return nil, err
		}
	}
	return c, nil
}

// AddRule validates and registers a rule at the end of the evaluation
// order. Rule names must be unique.
func (c *Cache) AddRule(rule Rule) error {
	if err := validateRule(&rule); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("%w: duplicate rule %q", ErrInvalidRule, rule.Name)
		}
	}
	c.rules = append(c.rules, &rule)
	c.bumpGeneration()
	return nil
}

// RemoveRule unregisters a rule by name.
func (c *Cache) RemoveRule(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, rule := range c.rules {
		if rule.Name == name {
			c.rules = append(c.rules[:i], c.rules[i+1:]...)
			c.bumpGeneration()
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the registered rules in evaluation
// order.
func (c *Cache) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, len(c.rules))
	for i, rule := range c.rules {
		out[i] = *rule
	}
	return out
}

// bumpGeneration orphans all memoized match indexes. Callers hold the
// write lock.
func (c *Cache) bumpGeneration() {
	atomic.AddInt64(&c.gen, 1)
	c.matches.Clear()
}

// MatchRule returns the first registered rule that applies to the
// request. Non-GET requests and requests asking for no-cache or
// no-store never match.
func (c *Cache) MatchRule(req *Request) (*Rule, bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	if req.Headers != nil {
		cc := strings.ToLower(req.Headers.Get("Cache-Control"))
		if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
			return nil, false
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	start := 0
	memoKey := fmt.Sprintf("%d\x00%s\x00%s", atomic.LoadInt64(&c.gen), req.Method, req.URL)
	if v, ok := c.matches.Get(memoKey); ok {
		if idx, ok := v.(int); ok && idx >= 0 && idx < len(c.rules) {
			start = idx
		}
	}

	memoized := start > 0
	for i := start; i < len(c.rules); i++ {
		rule := c.rules[i]
		if !matchesPattern(rule.Pattern, req.URL) {
			continue
		}
		if !memoized {
			c.matches.Set(memoKey, i, 1)
			memoized = true
		}
		if rule.Condition == nil || rule.Condition(req) {
			return rule, true
		}
	}
	return nil, false
}

// StoreResponse caches the response under the rule's TTL. It reports
// whether the response was stored; non-2xx responses, oversized
// bodies, and responses failing the rule's SkipIf are skipped without
// error.
func (c *Cache) StoreResponse(ctx context.Context, req *Request, resp *Response, rule *Rule) (bool, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}
	if rule.SkipIf != nil && rule.SkipIf(resp) {
		return false, nil
	}
	if len(resp.Body) > c.maxBody {
		c.logger.Debug("response too large to cache",
			"url", req.URL, "size", len(resp.Body), "max", c.maxBody)
		return false, nil
	}

	now := c.now()
	cached := CachedResponse{
		StatusCode:  resp.StatusCode,
		Headers:     flattenHeaders(resp.Headers),
		Body:        resp.Body,
		ContentType: contentType(resp),
		CachedAt:    now,
		ExpiresAt:   now.Add(rule.TTL),
		Size:        len(resp.Body),
		RuleName:    rule.Name,
	}
	if resp.Headers != nil {
		cached.ETag = resp.Headers.Get("ETag")
		if lm, err := http.ParseTime(resp.Headers.Get("Last-Modified")); err == nil {
			cached.LastModified = lm
		}
	}

	key := CacheKey(req, rule)
	if err := c.cache.Set(ctx, key, cached, rule.TTL); err != nil {
		c.recordError()
		return false, fmt.Errorf("store response %q: %w", req.URL, err)
	}

	if len(rule.Tags) > 0 && c.invalidator != nil {
		if err := c.invalidator.TagKeys(ctx, key, rule.Tags...); err != nil {
			c.recordError()
			c.logger.Warn("failed to tag cached response",
				"key", key, "tags", rule.Tags, "error", err)
		}
	}

	c.recordStore()
	return true, nil
}

// Lookup returns the cached response for the request under the rule.
// Entries past their expiry are deleted on read and reported as
// misses. When the request carries a satisfied conditional header the
// result is metadata-only with NotModified set.
func (c *Cache) Lookup(ctx context.Context, req *Request, rule *Rule) (*Result, bool) {
	key := CacheKey(req, rule)

	var cached CachedResponse
	if !c.cache.GetInto(ctx, key, &cached) {
		c.recordMiss()
		return nil, false
	}
	if c.now().After(cached.ExpiresAt) {
		if _, err := c.cache.Delete(ctx, key); err != nil {
			c.recordError()
		}
		c.recordMiss()
		return nil, false
	}

	if req.Headers != nil {
		if inm := req.Headers.Get("If-None-Match"); inm != "" {
			if etagMatches(inm, cached.ETag) {
				return c.notModified(&cached), true
			}
		} else if notModifiedSince(req.Headers.Get("If-Modified-Since"), cached.LastModified) {
			return c.notModified(&cached), true
		}
	}

	c.recordHit()
	return &Result{Response: &cached}, true
}

func (c *Cache) notModified(cached *CachedResponse) *Result {
	c.recordNotModified()
	meta := *cached
	meta.Body = nil
	return &Result{Response: &meta, NotModified: true}
}

// InvalidatePattern evicts all cached responses whose keys match the
// glob pattern, via the configured invalidator.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern, reason string) (int64, error) {
	if c.invalidator == nil {
		return 0, ErrNoInvalidator
	}
	n, err := c.invalidator.InvalidatePattern(ctx, pattern, reason, "httpcache")
	if err != nil {
		c.recordError()
		return n, err
	}
	c.recordInvalidation()
	return n, nil
}

// InvalidateTags evicts all cached responses labeled with any of the
// tags, via the configured invalidator.
func (c *Cache) InvalidateTags(ctx context.Context, tags []string, reason string) (int64, error) {
	if c.invalidator == nil {
		return 0, ErrNoInvalidator
	}
	n, err := c.invalidator.InvalidateTags(ctx, tags, reason, "httpcache")
	if err != nil {
		c.recordError()
		return n, err
	}
	c.recordInvalidation()
	return n, nil
}

// Flush evicts every cached response.
func (c *Cache) Flush(ctx context.Context) (int64, error) {
	return c.InvalidatePattern(ctx, keyNamespace+"*", "flush")
}

// Stats returns a snapshot of the response-cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          atomic.LoadInt64(&c.stats.hits),
		Misses:        atomic.LoadInt64(&c.stats.misses),
		Stores:        atomic.LoadInt64(&c.stats.stores),
		NotModified:   atomic.LoadInt64(&c.stats.notModified),
		Errors:        atomic.LoadInt64(&c.stats.errors),
		Invalidations: atomic.LoadInt64(&c.stats.invalidations),
	}
}

// Close releases the rule-match memoization cache.
func (c *Cache) Close() error {
	c.matches.Close()
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

func contentType(resp *Response) string {
	if resp.ContentType != "" {
		return resp.ContentType
	}
	if resp.Headers != nil {
		return resp.Headers.Get("Content-Type")
	}
	return ""
}

// recordHit records a served cached response.
func (c *Cache) recordHit() {
	atomic.AddInt64(&c.stats.hits, 1)
}

// recordMiss records a lookup that found nothing servable.
func (c *Cache) recordMiss() {
	atomic.AddInt64(&c.stats.misses, 1)
}

// recordStore records a cached response write.
func (c *Cache) recordStore() {
	atomic.AddInt64(&c.stats.stores, 1)
}

// recordNotModified records a conditional-request short circuit.
func (c *Cache) recordNotModified() {
	atomic.AddInt64(&c.stats.notModified, 1)
}

// recordError records a store or invalidator failure.
func (c *Cache) recordError() {
	atomic.AddInt64(&c.stats.errors, 1)
}

// recordInvalidation records a grouped eviction.
func (c *Cache) recordInvalidation() {
	atomic.AddInt64(&c.stats.invalidations, 1)
}
