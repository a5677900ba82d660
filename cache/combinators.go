package cache

import (
	"context"
	"time"
)

// Cached wraps a loader with cache-aside reads: hits skip the loader,
// misses run it once (concurrent calls for the same key coalesce) and
// store the result under ttl. The key is derived from the argument, so the
// caller composes caching at the call site instead of hiding it inside the
// domain type.
//
//	loadScore := cache.Cached(svc, time.Hour,
//		func(id string) string { return "credit:score:" + id },
//		bureau.FetchScore)
func Cached[A any, R any](svc *Service, ttl time.Duration, keyFn func(A) string, fn func(ctx context.Context, arg A) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		var out R
		err := svc.GetOrSet(ctx, keyFn(arg), ttl, &out, func(ctx context.Context) (any, error) {
			return fn(ctx, arg)
		})
		return out, err
	}
}

// Invalidates wraps a mutator so that a successful call deletes the cache
// keys derived from its argument. A failed deletion is logged and counted
// but never rolls the mutation back; the entries expire by ttl instead.
func Invalidates[A any, R any](svc *Service, keysFn func(A) []string, fn func(ctx context.Context, arg A) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		out, err := fn(ctx, arg)
		if err != nil {
			return out, err
		}
		if keys := keysFn(arg); len(keys) > 0 {
			if _, derr := svc.Delete(ctx, keys...); derr != nil {
				svc.logger.Warn("write-path invalidation failed", "keys", len(keys), "error", derr)
			}
		}
		return out, nil
	}
}
