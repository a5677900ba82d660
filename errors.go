package lendingcache

import (
	"github.com/credlane/lending-cache/cache"
	"github.com/credlane/lending-cache/storage"
)

// Root re-exports of the sentinels callers match with errors.Is, so
// importing the component packages stays optional.
var (
	// ErrNotFound is returned when a key is not present in the store.
	ErrNotFound = storage.ErrNotFound

	// ErrClosed is returned when operations reach a closed store.
	ErrClosed = storage.ErrClosed

	// ErrConnectivity is returned when the store is unreachable,
	// including while the circuit breaker is open.
	ErrConnectivity = storage.ErrConnectivity

	// ErrInvalidConfig is returned when a component's configuration is
	// invalid.
	ErrInvalidConfig = cache.ErrInvalidConfig

	// ErrCacheClosed is returned when operations reach an already
	// closed layer.
	ErrCacheClosed = cache.ErrCacheClosed
)
