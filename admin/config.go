package admin

import (
	"crypto/tls"
	"strings"
	"time"
)

const defaultBasePath = "/admin/v1"

// Config configures the administrative HTTP server.
type Config struct {
	// ListenAddr is the address to bind. Empty disables the server.
	ListenAddr string
	// BasePath is the URL prefix for the administrative endpoints.
	BasePath string
	// ReadTimeout bounds the maximum time to read request data.
	ReadTimeout time.Duration
	// WriteTimeout bounds the maximum time to write responses.
	WriteTimeout time.Duration
	// IdleTimeout is the maximum time to wait for the next request.
	IdleTimeout time.Duration
	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config
}

// Normalize returns a configuration with defaults applied.
func (c Config) Normalize() Config {
	config := c
	if config.BasePath == "" {
		config.BasePath = defaultBasePath
	}

	config.BasePath = "/" + strings.Trim(config.BasePath, "/")
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 5 * time.Second
	}

	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}

	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}

	return config
}
