package httpcache

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/storage"
)

type stubInvalidator struct {
	tagged   map[string][]string
	patterns []string
	tagCalls [][]string
}

func newStubInvalidator() *stubInvalidator {
	return &stubInvalidator{tagged: make(map[string][]string)}
}

func (s *stubInvalidator) TagKeys(ctx context.Context, key string, tags ...string) error {
	s.tagged[key] = append([]string(nil), tags...)
	return nil
}

func (s *stubInvalidator) InvalidatePattern(ctx context.Context, pattern, reason, source string) (int64, error) {
	s.patterns = append(s.patterns, pattern)
	return 1, nil
}

func (s *stubInvalidator) InvalidateTags(ctx context.Context, tags []string, reason, source string) (int64, error) {
	s.tagCalls = append(s.tagCalls, tags)
	return 1, nil
}

func newTestResponseCache(t *testing.T, opts Options) (*Cache, cache.Cache) {
	t.Helper()
	ms := storage.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })

	svc, err := cache.New(cache.Options{Store: ms})
	require.NoError(t, err)

	opts.Cache = svc
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, svc
}

func getRequest(rawURL string, headers map[string]string) *Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Request{Method: http.MethodGet, URL: rawURL, Headers: h}
}

func okResponse(body string, headers map[string]string) *Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Response{StatusCode: http.StatusOK, Headers: h, Body: []byte(body)}
}

func TestMatchRule(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{Rules: []Rule{
		{Name: "loans", Pattern: "/api/loans", TTL: time.Minute},
		{Name: "rates", Pattern: "/api/rates/*", TTL: time.Minute},
	}})

	rule, ok := c.MatchRule(getRequest("/api/loans?page=1", nil))
	require.True(t, ok, "substring patterns match anywhere in the URL")
	assert.Equal(t, "loans", rule.Name)

	rule, ok = c.MatchRule(getRequest("/api/rates/today", nil))
	require.True(t, ok, "glob patterns match the whole URL")
	assert.Equal(t, "rates", rule.Name)

	_, ok = c.MatchRule(getRequest("/api/users", nil))
	assert.False(t, ok)

	_, ok = c.MatchRule(&Request{Method: http.MethodPost, URL: "/api/loans"})
	assert.False(t, ok, "only GET requests are cacheable")

	_, ok = c.MatchRule(getRequest("/api/loans", map[string]string{"Cache-Control": "no-cache"}))
	assert.False(t, ok)
	_, ok = c.MatchRule(getRequest("/api/loans", map[string]string{"Cache-Control": "no-store"}))
	assert.False(t, ok)
}

func TestMatchRuleOrderAndCondition(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{Rules: []Rule{
		{
			Name: "beta", Pattern: "/api/offers", TTL: time.Minute,
			Condition: func(req *Request) bool { return req.Headers.Get("X-Beta") == "1" },
		},
		{Name: "stable", Pattern: "/api/offers", TTL: time.Hour},
	}})

	rule, ok := c.MatchRule(getRequest("/api/offers", map[string]string{"X-Beta": "1"}))
	require.True(t, ok)
	assert.Equal(t, "beta", rule.Name, "registration order wins when both apply")

	rule, ok = c.MatchRule(getRequest("/api/offers", nil))
	require.True(t, ok)
	assert.Equal(t, "stable", rule.Name, "a failing condition falls through to later rules")
}

func TestMatchRuleRepeatedLookups(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{Rules: []Rule{
		{Name: "miss-me", Pattern: "/other", TTL: time.Minute},
		{Name: "loans", Pattern: "/api/loans", TTL: time.Minute},
	}})

	// Repeated matches exercise the memoized scan-start path.
	for i := 0; i < 50; i++ {
		rule, ok := c.MatchRule(getRequest("/api/loans", nil))
		require.True(t, ok)
		require.Equal(t, "loans", rule.Name)
	}
}

func TestAddRuleValidation(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{})

	assert.ErrorIs(t, c.AddRule(Rule{Pattern: "/x", TTL: time.Minute}), ErrInvalidRule)
	assert.ErrorIs(t, c.AddRule(Rule{Name: "x", TTL: time.Minute}), ErrInvalidRule)
	assert.ErrorIs(t, c.AddRule(Rule{Name: "x", Pattern: "/x"}), ErrInvalidRule)
	assert.ErrorIs(t, c.AddRule(Rule{Name: "x", Pattern: "/x[z-a]", TTL: time.Minute}), ErrInvalidRule)

	require.NoError(t, c.AddRule(Rule{Name: "x", Pattern: "/x", TTL: time.Minute}))
	assert.ErrorIs(t, c.AddRule(Rule{Name: "x", Pattern: "/y", TTL: time.Minute}), ErrInvalidRule)

	assert.True(t, c.RemoveRule("x"))
	assert.False(t, c.RemoveRule("x"))
	assert.Empty(t, c.Rules())
}

func TestCacheKeyDeterminism(t *testing.T) {
	rule := &Rule{Name: "r", Pattern: "/api", TTL: time.Minute}

	a := getRequest("/api/loans", map[string]string{"Accept": "application/json"})
	b := getRequest("/api/loans", map[string]string{"Accept": "application/json"})
	assert.Equal(t, CacheKey(a, rule), CacheKey(b, rule))

	c := getRequest("/api/loans", map[string]string{"Accept": "text/xml"})
	assert.NotEqual(t, CacheKey(a, rule), CacheKey(c, rule),
		"default vary set includes Accept")

	d := getRequest("/api/loans", nil)
	d.Query = url.Values{"b": {"2"}, "a": {"1"}}
	e := getRequest("/api/loans", nil)
	e.Query = url.Values{"a": {"1"}, "b": {"2"}}
	assert.Equal(t, CacheKey(d, rule), CacheKey(e, rule),
		"query serialization is order independent")
}

func TestCacheKeyIdentity(t *testing.T) {
	rule := &Rule{Name: "r", Pattern: "/api", TTL: time.Minute}

	a := getRequest("/api/loans", nil)
	a.CallerID = "svc-a"
	b := getRequest("/api/loans", nil)
	b.CallerID = "svc-b"
	assert.NotEqual(t, CacheKey(a, rule), CacheKey(b, rule),
		"responses are never shared across callers by default")

	shared := &Rule{Name: "r", Pattern: "/api", TTL: time.Minute, IgnoreIdentity: true}
	assert.Equal(t, CacheKey(a, shared), CacheKey(b, shared))
}

func TestStoreAndLookup(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{Rules: []Rule{
		{Name: "loans", Pattern: "/api/loans", TTL: time.Minute},
	}})
	ctx := context.Background()

	req := getRequest("/api/loans", nil)
	rule, ok := c.MatchRule(req)
	require.True(t, ok)

	stored, err := c.StoreResponse(ctx, req, okResponse(`{"loans":[]}`, map[string]string{
		"Content-Type": "application/json",
		"ETag":         `"v1"`,
	}), rule)
	require.NoError(t, err)
	require.True(t, stored)

	result, ok := c.Lookup(ctx, req, rule)
	require.True(t, ok)
	assert.False(t, result.NotModified)
	assert.Equal(t, http.StatusOK, result.Response.StatusCode)
	assert.Equal(t, `{"loans":[]}`, string(result.Response.Body))
	assert.Equal(t, "application/json", result.Response.ContentType)
	assert.Equal(t, `"v1"`, result.Response.ETag)
	assert.Equal(t, len(`{"loans":[]}`), result.Response.Size)
	assert.Equal(t, "loans", result.Response.RuleName)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Stores)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestStoreResponseSkips(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{
		MaxBodySize: 8,
		Rules: []Rule{{
			Name: "loans", Pattern: "/api/loans", TTL: time.Minute,
			SkipIf: func(resp *Response) bool { return resp.Headers.Get("X-Partial") == "1" },
		}},
	})
	ctx := context.Background()

	req := getRequest("/api/loans", nil)
	rule, _ := c.MatchRule(req)

	stored, err := c.StoreResponse(ctx, req, &Response{StatusCode: http.StatusBadGateway}, rule)
	require.NoError(t, err)
	assert.False(t, stored, "non-2xx responses are never cached")

	stored, err = c.StoreResponse(ctx, req, okResponse("way too large body", nil), rule)
	require.NoError(t, err)
	assert.False(t, stored, "oversized bodies are skipped, not errors")

	stored, err = c.StoreResponse(ctx, req, okResponse("ok", map[string]string{"X-Partial": "1"}), rule)
	require.NoError(t, err)
	assert.False(t, stored, "SkipIf suppresses caching")

	_, ok := c.Lookup(ctx, req, rule)
	assert.False(t, ok)
}

func TestLookupExpiredEntryDeleted(t *testing.T) {
	c, svc := newTestResponseCache(t, Options{Rules: []Rule{
		{Name: "loans", Pattern: "/api/loans", TTL: time.Minute},
	}})
	ctx := context.Background()

	req := getRequest("/api/loans", nil)
	rule, _ := c.MatchRule(req)
	key := CacheKey(req, rule)

	// Entry whose logical expiry passed while its storage TTL has not.
	stale := CachedResponse{
		StatusCode: http.StatusOK,
		Body:       []byte("stale"),
		CachedAt:   time.Now().Add(-2 * time.Minute),
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	require.NoError(t, svc.Set(ctx, key, stale, time.Hour))

	_, ok := c.Lookup(ctx, req, rule)
	assert.False(t, ok, "logically expired entries read as misses")
	assert.False(t, svc.Exists(ctx, key), "and are proactively deleted")
}

func TestLookupIfNoneMatch(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{Rules: []Rule{
		{Name: "loans", Pattern: "/api/loans", TTL: time.Minute, IgnoreIdentity: true, VaryBy: []string{"Accept"}},
	}})
	ctx := context.Background()

	req := getRequest("/api/loans", nil)
	rule, _ := c.MatchRule(req)
	_, err := c.StoreResponse(ctx, req, okResponse("body", map[string]string{"ETag": `W/"v7"`}), rule)
	require.NoError(t, err)

	tests := []struct {
		name        string
		header      string
		notModified bool
	}{
		{"exact", `W/"v7"`, true},
		{"weak versus strong", `"v7"`, true},
		{"star", "*", true},
		{"list", `"v5", W/"v7"`, true},
		{"mismatch", `"v8"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := getRequest("/api/loans", map[string]string{"If-None-Match": tt.header})
			result, ok := c.Lookup(ctx, r, rule)
			require.True(t, ok)
			assert.Equal(t, tt.notModified, result.NotModified)
			if tt.notModified {
				assert.Nil(t, result.Response.Body, "304 results carry metadata only")
				assert.Equal(t, `W/"v7"`, result.Response.ETag)
			} else {
				assert.Equal(t, "body", string(result.Response.Body))
			}
		})
	}
}

func TestLookupIfModifiedSince(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{Rules: []Rule{
		{Name: "loans", Pattern: "/api/loans", TTL: time.Minute, IgnoreIdentity: true, VaryBy: []string{"Accept"}},
	}})
	ctx := context.Background()

	lastModified := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	req := getRequest("/api/loans", nil)
	rule, _ := c.MatchRule(req)
	_, err := c.StoreResponse(ctx, req, okResponse("body", map[string]string{
		"Last-Modified": lastModified.Format(http.TimeFormat),
	}), rule)
	require.NoError(t, err)

	r := getRequest("/api/loans", map[string]string{
		"If-Modified-Since": lastModified.Format(http.TimeFormat),
	})
	result, ok := c.Lookup(ctx, r, rule)
	require.True(t, ok)
	assert.True(t, result.NotModified, "at the stored time means unchanged")

	r = getRequest("/api/loans", map[string]string{
		"If-Modified-Since": lastModified.Add(time.Hour).Format(http.TimeFormat),
	})
	result, ok = c.Lookup(ctx, r, rule)
	require.True(t, ok)
	assert.True(t, result.NotModified)

	r = getRequest("/api/loans", map[string]string{
		"If-Modified-Since": lastModified.Add(-time.Hour).Format(http.TimeFormat),
	})
	result, ok = c.Lookup(ctx, r, rule)
	require.True(t, ok)
	assert.False(t, result.NotModified, "older snapshots get the full body")

	assert.Equal(t, int64(2), c.Stats().NotModified)
}

func TestStoreResponseTagsKeys(t *testing.T) {
	inv := newStubInvalidator()
	c, _ := newTestResponseCache(t, Options{
		Invalidator: inv,
		Rules: []Rule{{
			Name: "loans", Pattern: "/api/loans", TTL: time.Minute,
			Tags: []string{"loans", "catalog"},
		}},
	})
	ctx := context.Background()

	req := getRequest("/api/loans", nil)
	rule, _ := c.MatchRule(req)
	_, err := c.StoreResponse(ctx, req, okResponse("body", nil), rule)
	require.NoError(t, err)

	key := CacheKey(req, rule)
	assert.Equal(t, []string{"loans", "catalog"}, inv.tagged[key])
}

func TestInvalidationDelegation(t *testing.T) {
	inv := newStubInvalidator()
	c, _ := newTestResponseCache(t, Options{Invalidator: inv})
	ctx := context.Background()

	n, err := c.InvalidatePattern(ctx, "api:response:*", "deploy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = c.InvalidateTags(ctx, []string{"loans"}, "loan updated")
	require.NoError(t, err)

	_, err = c.Flush(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"api:response:*", "api:response:*"}, inv.patterns)
	assert.Equal(t, [][]string{{"loans"}}, inv.tagCalls)
	assert.Equal(t, int64(3), c.Stats().Invalidations)
}

func TestInvalidationWithoutInvalidator(t *testing.T) {
	c, _ := newTestResponseCache(t, Options{})
	ctx := context.Background()

	_, err := c.InvalidatePattern(ctx, "api:response:*", "deploy")
	assert.ErrorIs(t, err, ErrNoInvalidator)
	_, err = c.InvalidateTags(ctx, []string{"loans"}, "deploy")
	assert.ErrorIs(t, err, ErrNoInvalidator)
}

func TestNewRequiresCache(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, cache.ErrInvalidConfig)
}
