// Package cache provides the read-through cache for the latest price and
// moving average per symbol.
package cache

import (
	"context"
	"sync"
	"time"
)

// Backend is the storage behind the cache manager. Get returns (nil, nil)
// when the key is absent or expired.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// memoryEntry is a cached value with expiration.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process Backend for tests and local development.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, exists := b.entries[key]
	if !exists {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && b.now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.value, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = b.now().Add(ttl)
	}
	b.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}
