package admin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/creditcache"
	"github.com/credlane/lending-cache/invalidation"
	"github.com/credlane/lending-cache/monitoring"
	"github.com/credlane/lending-cache/ratelimit"
	"github.com/credlane/lending-cache/storage"
)

type testStack struct {
	store   *storage.MemoryStore
	cache   cache.Cache
	limiter *ratelimit.Limiter
	inv     *invalidation.Service
	monitor *monitoring.Monitor
	srv     *Server
	handler http.Handler
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ms := storage.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })

	svc, err := cache.New(cache.Options{Store: ms, KeyPrefix: "app:"})
	require.NoError(t, err)

	limiter, err := ratelimit.New(ratelimit.Options{Cache: svc})
	require.NoError(t, err)

	inv, err := invalidation.New(invalidation.Options{
		Store: ms, KeyPrefix: "app:", InstanceID: "admin-test"})
	require.NoError(t, err)
	require.NoError(t, inv.Start(context.Background()))
	t.Cleanup(func() { inv.Close() })

	credit, err := creditcache.New(svc, creditcache.Options{})
	require.NoError(t, err)

	monitor, err := monitoring.New(monitoring.Options{
		Store:             ms,
		CacheStats:        svc.Stats,
		LimiterStats:      limiter.Stats,
		InvalidationStats: inv.Stats,
	})
	require.NoError(t, err)

	srv, err := New(Options{
		Cache:        svc,
		Invalidation: inv,
		Monitor:      monitor,
		Limiter:      limiter,
		Credit:       credit,
		Collector:    monitoring.NewCollector(monitor),
	})
	require.NoError(t, err)

	return &testStack{
		store:   ms,
		cache:   svc,
		limiter: limiter,
		inv:     inv,
		monitor: monitor,
		srv:     srv,
		handler: srv.routes(),
	}
}

func (ts *testStack) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, cache.ErrInvalidConfig)
}

func TestInvalidateKeysEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "loan:1", "a", time.Hour))
	require.NoError(t, ts.cache.Set(ctx, "loan:2", "b", time.Hour))

	rec := ts.do(http.MethodPost, "/admin/v1/invalidate/keys",
		`{"keys":["loan:1","loan:2"],"reason":"payoff"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decodeInto[invalidateResponse](t, rec).Removed)
	assert.False(t, ts.cache.Exists(ctx, "loan:1"))
	assert.False(t, ts.cache.Exists(ctx, "loan:2"))
}

func TestInvalidateKeysRejectsEmptyAndUnknownFields(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(http.MethodPost, "/admin/v1/invalidate/keys", `{"keys":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/v1/invalidate/keys", `{"keyz":["loan:1"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidatePatternEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "loan:1", "a", time.Hour))
	require.NoError(t, ts.cache.Set(ctx, "loan:2", "b", time.Hour))
	require.NoError(t, ts.cache.Set(ctx, "offer:1", "c", time.Hour))

	rec := ts.do(http.MethodPost, "/admin/v1/invalidate/pattern", `{"pattern":"loan:*"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decodeInto[invalidateResponse](t, rec).Removed)
	assert.True(t, ts.cache.Exists(ctx, "offer:1"), "pattern must not reach other key shapes")

	rec = ts.do(http.MethodPost, "/admin/v1/invalidate/pattern", `{"pattern":"loan:[z-a]"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidateTagsEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "loan:1", "a", time.Hour))
	require.NoError(t, ts.inv.TagKeys(ctx, "loan:1", "loans"))

	rec := ts.do(http.MethodPost, "/admin/v1/invalidate/tags", `{"tags":["loans"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeInto[invalidateResponse](t, rec).Removed)
	assert.False(t, ts.cache.Exists(ctx, "loan:1"))
}

func TestInvalidateUserEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "user:42:profile", "p", time.Hour))
	require.NoError(t, ts.cache.Set(ctx, "user:42:loans", "l", time.Hour))
	require.NoError(t, ts.cache.Set(ctx, "user:7:profile", "other", time.Hour))

	rec := ts.do(http.MethodPost, "/admin/v1/invalidate/user/42", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decodeInto[invalidateResponse](t, rec).Removed)
	assert.True(t, ts.cache.Exists(ctx, "user:7:profile"))
}

func TestInvalidateTenantEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "tenant:acme:settings", "s", time.Hour))

	rec := ts.do(http.MethodPost, "/admin/v1/invalidate/tenant/acme",
		`{"reason":"offboarding"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeInto[invalidateResponse](t, rec).Removed)
}

func TestScheduleEndpoints(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(http.MethodPost, "/admin/v1/schedule",
		`{"type":"key","value":"loan:9","delay":"1h","reason":"grace period"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decodeInto[scheduleResponse](t, rec).ID
	require.NotEmpty(t, id)

	rec = ts.do(http.MethodGet, "/admin/v1/schedule", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeInto[map[string]int](t, rec)["pending"])

	rec = ts.do(http.MethodDelete, "/admin/v1/schedule/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodDelete, "/admin/v1/schedule/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "cancelling twice finds nothing")
}

func TestScheduleValidation(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(http.MethodPost, "/admin/v1/schedule",
		`{"type":"galaxy","value":"x","delay":"1h"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/v1/schedule",
		`{"type":"key","value":"x","delay":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuleEndpoints(t *testing.T) {
	ts := newTestStack(t)

	body := `{"name":"loan-updated","event":"loan.updated",` +
		`"targets":[{"type":"key","value":"loan:${loanId}"}],"delay":"30s"}`
	rec := ts.do(http.MethodPost, "/admin/v1/rules/", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/admin/v1/rules/", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate rule names are rejected")

	rec = ts.do(http.MethodGet, "/admin/v1/rules/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rules := decodeInto[[]ruleWire](t, rec)
	require.Len(t, rules, 1)
	assert.Equal(t, "loan-updated", rules[0].Name)
	assert.Equal(t, "30s", rules[0].Delay)
	require.NotNil(t, rules[0].Enabled)
	assert.True(t, *rules[0].Enabled, "rules added over the API default to enabled")

	rec = ts.do(http.MethodDelete, "/admin/v1/rules/loan-updated", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodDelete, "/admin/v1/rules/loan-updated", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "loan:1", "a", time.Hour))
	ts.cache.Get(ctx, "loan:1")
	ts.cache.Get(ctx, "ghost")
	ts.limiter.AllowFixedWindow(ctx, "user-1", ratelimit.FixedWindowRule{Window: time.Minute, Max: 5})

	rec := ts.do(http.MethodGet, "/admin/v1/stats", "")

	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeInto[statsResponse](t, rec)
	assert.Equal(t, int64(1), stats.Cache.Hits)
	assert.Equal(t, int64(1), stats.Cache.Misses)
	require.NotNil(t, stats.RateLimit)
	assert.Equal(t, int64(1), stats.RateLimit.Allowed)
	require.NotNil(t, stats.Invalidation)
	require.NotNil(t, stats.Credit)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(http.MethodGet, "/admin/v1/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeInto[monitoring.Health](t, rec)
	assert.Equal(t, monitoring.StatusHealthy, health.Status)
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	ts := newTestStack(t)

	// A monitor over a closed store: ping fails, everything else in the
	// stack keeps running on the live one.
	dead := storage.NewMemoryStore()
	dead.Close()
	monitor, err := monitoring.New(monitoring.Options{Store: dead})
	require.NoError(t, err)

	srv, err := New(Options{Cache: ts.cache, Invalidation: ts.inv, Monitor: monitor})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, monitoring.StatusUnhealthy, decodeInto[monitoring.Health](t, rec).Status)
}

func TestReportEndpoint(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(http.MethodGet, "/admin/v1/report?window=12", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 12, decodeInto[monitoring.Report](t, rec).WindowHours)

	rec = ts.do(http.MethodGet, "/admin/v1/report?window=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	require.NoError(t, ts.cache.Set(ctx, "loan:1", "a", time.Hour))
	ts.cache.Get(ctx, "loan:1")

	rec := ts.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lending_cache_cache_hits_total")
	assert.Contains(t, rec.Body.String(), "lending_cache_store_up 1")
}

func TestBlockEndpoints(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()

	rec := ts.do(http.MethodPost, "/admin/v1/blocks/user-9", `{"duration":"5m"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/v1/blocks/user-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeInto[map[string]bool](t, rec)["blocked"])

	d := ts.limiter.AllowFixedWindow(ctx, "user-9", ratelimit.FixedWindowRule{Window: time.Minute, Max: 5})
	assert.True(t, d.Blocked, "the limiter honors blocks placed over the API")

	rec = ts.do(http.MethodDelete, "/admin/v1/blocks/user-9", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/admin/v1/blocks/user-9", "")
	assert.False(t, decodeInto[map[string]bool](t, rec)["blocked"])
}

func TestBlockRequiresDuration(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(http.MethodPost, "/admin/v1/blocks/user-9", `{"duration":"-5m"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerLifecycle(t *testing.T) {
	ts := newTestStack(t)
	ts.srv.cfg = Config{ListenAddr: "127.0.0.1:0"}.Normalize()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Start(ctx))
	defer ts.srv.Shutdown(context.Background())

	addr := ts.srv.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/admin/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ts.srv.Shutdown(context.Background()))
}

func TestServerDisabledWithoutListenAddr(t *testing.T) {
	ts := newTestStack(t)

	require.NoError(t, ts.srv.Start(context.Background()))
	assert.Empty(t, ts.srv.Addr())
	assert.NoError(t, ts.srv.Shutdown(context.Background()))
}
