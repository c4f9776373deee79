// Package cache provides short-lived caching for expensive status lookups.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache answers reads through a compute function and remembers the result
// for a bounded time.
type Cache interface {
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error)
	Invalidate(ctx context.Context, key string) error
	Close() error
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process Cache. It is the default when no Redis address
// is configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *Memory) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	m.mu.Lock()
	if entry, ok := m.entries[key]; ok && m.now().Before(entry.expires) {
		value := entry.value
		m.mu.Unlock()
		return value, nil
	}
	m.mu.Unlock()

	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		m.mu.Lock()
		m.entries[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
		m.mu.Unlock()
	}
	return value, nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
