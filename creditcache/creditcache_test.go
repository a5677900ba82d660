package creditcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/storage"
)

func newTestCreditCache(t *testing.T, opts Options) (*Cache, cache.Cache) {
	t.Helper()
	ms := storage.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })

	svc, err := cache.New(cache.Options{Store: ms, KeyPrefix: "app:"})
	require.NoError(t, err)

	cc, err := New(svc, opts)
	require.NoError(t, err)
	return cc, svc
}

func TestNewRequiresCache(t *testing.T) {
	_, err := New(nil, Options{})
	assert.ErrorIs(t, err, cache.ErrInvalidConfig)
}

func TestBucketFor(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{300, BucketPoor},
		{579, BucketPoor},
		{580, BucketFair},
		{669, BucketFair},
		{670, BucketGood},
		{739, BucketGood},
		{740, BucketExcellent},
		{850, BucketExcellent},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BucketFor(tc.score), "score %d", tc.score)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	score := CreditScore{
		UserID:     "u1",
		Score:      712,
		Bureau:     "equifax",
		Status:     "active",
		ComputedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		ValidUntil: time.Now().Add(2 * time.Hour),
	}
	require.NoError(t, cc.PutScore(ctx, score))

	got, ok := cc.GetScore(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, 712, got.Score)
	assert.Equal(t, "equifax", got.Bureau)
	assert.Equal(t, "active", got.Status)
}

func TestPutScoreValidation(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	cases := []CreditScore{
		{Score: 700},                  // no user id
		{UserID: "u1", Score: 200},    // below any bureau's floor
		{UserID: "u1", Score: 900},    // above any bureau's ceiling
		{UserID: "u1"},                // zero score
	}
	for _, score := range cases {
		assert.ErrorIs(t, cc.PutScore(ctx, score), ErrInvalidScore)
	}
}

func TestEffectiveTTLClamp(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{PolicyMaxTTL: 24 * time.Hour})
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cc.now = func() time.Time { return base }

	cases := []struct {
		name       string
		validUntil time.Time
		want       time.Duration
	}{
		{"inside window", base.Add(6 * time.Hour), 6 * time.Hour},
		{"short validity floors at one hour", base.Add(10 * time.Minute), time.Hour},
		{"already past still floors at one hour", base.Add(-time.Hour), time.Hour},
		{"long validity caps at policy ceiling", base.Add(72 * time.Hour), 24 * time.Hour},
		{"no validity window takes the ceiling", time.Time{}, 24 * time.Hour},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cc.effectiveTTL(tc.validUntil))
		})
	}
}

func TestStorageTTLFollowsValidity(t *testing.T) {
	cc, svc := newTestCreditCache(t, Options{})
	ctx := context.Background()

	score := CreditScore{UserID: "u1", Score: 712, Status: "active",
		ValidUntil: time.Now().Add(90 * time.Minute)}
	require.NoError(t, cc.PutScore(ctx, score))

	for _, key := range []string{
		scorePrefix + "u1",
		rangePrefix + BucketGood,
		statusPrefix + "active",
	} {
		ttl, ok := svc.TTL(ctx, key)
		require.True(t, ok, "key %q has no TTL", key)
		assert.Greater(t, ttl, 85*time.Minute, "key %q", key)
		assert.LessOrEqual(t, ttl, 90*time.Minute, "key %q", key)
	}
}

func TestDualLayerExpiration(t *testing.T) {
	cc, svc := newTestCreditCache(t, Options{})
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cc.now = func() time.Time { return base }

	score := CreditScore{UserID: "u1", Score: 655, Status: "active",
		ValidUntil: base.Add(2 * time.Hour)}
	require.NoError(t, cc.PutScore(ctx, score))

	// Validity window passes while the storage TTL is still live.
	cc.now = func() time.Time { return base.Add(2*time.Hour + time.Minute) }

	_, ok := cc.GetScore(ctx, "u1")
	assert.False(t, ok, "score past its validity window must read as absent")

	assert.False(t, svc.Exists(ctx, scorePrefix+"u1"),
		"expired entry must be proactively deleted from storage")

	members, err := cc.UsersInRange(ctx, BucketFair)
	require.NoError(t, err)
	assert.Empty(t, members, "expired entry must leave its range bucket")
	assert.Empty(t, cc.UsersWithStatus(ctx, "active"))

	assert.Equal(t, int64(1), cc.Stats().Expired)
}

func TestBucketMoveReindexes(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, cc.PutScore(ctx, CreditScore{
		UserID: "u1", Score: 560, Status: "frozen"}))
	require.NoError(t, cc.PutScore(ctx, CreditScore{
		UserID: "u1", Score: 700, Status: "active"}))

	poor, err := cc.UsersInRange(ctx, BucketPoor)
	require.NoError(t, err)
	assert.Empty(t, poor, "user must leave the old bucket")

	good, err := cc.UsersInRange(ctx, BucketGood)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, good)

	assert.Empty(t, cc.UsersWithStatus(ctx, "frozen"))
	assert.Equal(t, []string{"u1"}, cc.UsersWithStatus(ctx, "active"))
}

func TestUsersInRangeUnknownBucket(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})

	_, err := cc.UsersInRange(context.Background(), "stellar")
	assert.ErrorIs(t, err, ErrUnknownBucket)
}

func TestUsersWithStatusGroups(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, cc.PutScore(ctx, CreditScore{UserID: "u1", Score: 700, Status: "active"}))
	require.NoError(t, cc.PutScore(ctx, CreditScore{UserID: "u2", Score: 610, Status: "active"}))
	require.NoError(t, cc.PutScore(ctx, CreditScore{UserID: "u3", Score: 790, Status: "disputed"}))

	assert.ElementsMatch(t, []string{"u1", "u2"}, cc.UsersWithStatus(ctx, "active"))
	assert.Equal(t, []string{"u3"}, cc.UsersWithStatus(ctx, "disputed"))
}

func TestInvalidate(t *testing.T) {
	cc, svc := newTestCreditCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, cc.PutScore(ctx, CreditScore{
		UserID: "u1", Score: 712, Status: "active"}))

	removed, err := cc.Invalidate(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok := cc.GetScore(ctx, "u1")
	assert.False(t, ok)
	assert.False(t, svc.Exists(ctx, scorePrefix+"u1"))

	good, err := cc.UsersInRange(ctx, BucketGood)
	require.NoError(t, err)
	assert.Empty(t, good)
	assert.Empty(t, cc.UsersWithStatus(ctx, "active"))

	removed, err = cc.Invalidate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, removed, "second invalidation finds nothing")
}

func TestReaderFetchThrough(t *testing.T) {
	cc, svc := newTestCreditCache(t, Options{})
	ctx := context.Background()

	var fetches int64
	read := cc.Reader(func(ctx context.Context, userID string) (CreditScore, error) {
		atomic.AddInt64(&fetches, 1)
		return CreditScore{UserID: userID, Score: 712, Status: "active",
			ValidUntil: cc.now().Add(2 * time.Hour)}, nil
	})

	got, err := read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 712, got.Score)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches))
	assert.True(t, svc.Exists(ctx, scorePrefix+"u1"),
		"fetched score must land in the cache")

	good, err := cc.UsersInRange(ctx, BucketGood)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, good, "fetch path must maintain indices too")

	_, err = read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches), "second read served from cache")
}

func TestReaderRefetchesExpiredScore(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cc.now = func() time.Time { return base }

	var fetches int64
	read := cc.Reader(func(ctx context.Context, userID string) (CreditScore, error) {
		atomic.AddInt64(&fetches, 1)
		return CreditScore{UserID: userID, Score: 712,
			ValidUntil: cc.now().Add(2 * time.Hour)}, nil
	})

	_, err := read(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1), atomic.LoadInt64(&fetches))

	cc.now = func() time.Time { return base.Add(3 * time.Hour) }

	got, err := read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 712, got.Score)
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches),
		"a score past its validity window must be refetched")
}

func TestReaderCoalescesConcurrentFetches(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	var fetches int64
	read := cc.Reader(func(ctx context.Context, userID string) (CreditScore, error) {
		atomic.AddInt64(&fetches, 1)
		time.Sleep(30 * time.Millisecond)
		return CreditScore{UserID: userID, Score: 712}, nil
	})

	const callers = 50
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got, err := read(ctx, "u1")
			assert.NoError(t, err)
			assert.Equal(t, 712, got.Score)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fetches),
		"concurrent reads for one user share a single fetch")
}

func TestReaderPropagatesFetchError(t *testing.T) {
	cc, svc := newTestCreditCache(t, Options{})
	ctx := context.Background()

	errBureau := errors.New("bureau timeout")
	read := cc.Reader(func(ctx context.Context, userID string) (CreditScore, error) {
		return CreditScore{}, errBureau
	})

	_, err := read(ctx, "u1")
	assert.ErrorIs(t, err, errBureau)
	assert.False(t, svc.Exists(ctx, scorePrefix+"u1"),
		"a failed fetch must leave nothing behind")
}

func TestStatsCounts(t *testing.T) {
	cc, _ := newTestCreditCache(t, Options{})
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cc.now = func() time.Time { return base }

	require.NoError(t, cc.PutScore(ctx, CreditScore{
		UserID: "u1", Score: 712, ValidUntil: base.Add(2 * time.Hour)}))

	cc.GetScore(ctx, "u1")    // hit
	cc.GetScore(ctx, "ghost") // miss

	cc.now = func() time.Time { return base.Add(3 * time.Hour) }
	cc.GetScore(ctx, "u1") // expired

	require.NoError(t, cc.PutScore(ctx, CreditScore{UserID: "u2", Score: 610}))
	_, err := cc.Invalidate(ctx, "u2")
	require.NoError(t, err)

	stats := cc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Expired)
	assert.Equal(t, int64(2), stats.Writes)
	assert.Equal(t, int64(1), stats.Invalidations)
}
