package cache

import (
	"time"

	"github.com/credlane/lending-cache/storage"
)

// Options configures a cache Service.
type Options struct {
	// Store is the remote store handle every operation runs against.
	// Required; the service never constructs its own connection.
	Store storage.Store

	// Serializer encodes values on the way to the store.
	// If nil, defaults to JSON.
	Serializer storage.Serializer

	// Logger is the logger for the service.
	// If nil, defaults to no-op logger.
	Logger Logger

	// KeyPrefix is prepended to every key, namespacing one deployment's
	// entries inside a shared store (e.g. "lend:").
	KeyPrefix string

	// DefaultTTL applies to writes that do not carry their own ttl.
	DefaultTTL time.Duration
}

// DefaultOptions returns default cache service options. Store must still
// be set by the caller.
func DefaultOptions() Options {
	return Options{
		KeyPrefix:  "",
		DefaultTTL: 5 * time.Minute,
		Serializer: nil, // Will default to JSON in New()
		Logger:     nil, // Will default to no-op in New()
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Store == nil {
		return ErrInvalidConfig
	}
	if o.DefaultTTL < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid cache configuration")

// ErrCacheClosed is returned when operations reach an already closed layer.
var ErrCacheClosed = NewError("cache is closed")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &cacheError{msg: msg}
}

type cacheError struct {
	msg string
}

func (e *cacheError) Error() string {
	return e.msg
}
