package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/credlane/lending-cache/storage"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.DefaultTTL != 5*time.Minute {
		t.Errorf("Expected default TTL of 5m, got %v", opts.DefaultTTL)
	}
	if opts.Store != nil {
		t.Error("Expected no default store")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Options)
		wantErr bool
	}{
		{
			name:    "valid",
			mutate:  func(o *Options) {},
			wantErr: false,
		},
		{
			name:    "missing store",
			mutate:  func(o *Options) { o.Store = nil },
			wantErr: true,
		},
		{
			name:    "negative default ttl",
			mutate:  func(o *Options) { o.DefaultTTL = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Store = storage.NewMemoryStore()
			defer opts.Store.Close()
			tt.mutate(&opts)

			err := opts.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
			if tt.wantErr && err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestNewFillsDefaults(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()

	svc, err := New(Options{Store: store})
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	if svc.serializer == nil {
		t.Error("Expected New to fill in a serializer")
	}
	if svc.logger == nil {
		t.Error("Expected New to fill in a logger")
	}
	if svc.defaultTTL != 5*time.Minute {
		t.Errorf("Expected default TTL of 5m, got %v", svc.defaultTTL)
	}
}
