package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryProvider keeps entries in process memory with per-key expiry.
type MemoryProvider struct {
	store *gocache.Cache
}

// NewMemoryProvider creates an in-process cache. defaultTTL applies when Set is called with ttl <= 0.
func NewMemoryProvider(defaultTTL time.Duration) *MemoryProvider {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &MemoryProvider{store: gocache.New(defaultTTL, 2*defaultTTL)}
}

// Get returns a copy of the cached bytes or ErrCacheMiss.
func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), b...), nil
}

// Set stores a copy of value.
func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	exp := gocache.DefaultExpiration
	if ttl > 0 {
		exp = ttl
	}
	m.store.Set(key, append([]byte(nil), value...), exp)
	return nil
}

// Del removes key.
func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

// Close drops all entries.
func (m *MemoryProvider) Close() error {
	m.store.Flush()
	return nil
}
