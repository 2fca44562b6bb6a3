package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCache implements Cache with a process local map
type MemoryCache struct {
	mu    sync.RWMutex
	data  map[string]*cacheItem
	now   Clock
	done  chan struct{}
	close sync.Once
}

type cacheItem struct {
	value      []byte
	expiration time.Time
}

// MemoryOption configures a MemoryCache
type MemoryOption func(*MemoryCache)

// WithMemoryClock sets the clock used for expiry
func WithMemoryClock(now Clock) MemoryOption {
	return func(m *MemoryCache) {
		m.now = now
	}
}

// NewMemoryCache creates a new in-memory cache. A cleanup goroutine drops
// expired items every cleanupInterval until Close; zero disables it.
func NewMemoryCache(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryCache {
	mc := &MemoryCache{
		data: make(map[string]*cacheItem),
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mc)
	}

	if cleanupInterval > 0 {
		go mc.cleanup(cleanupInterval)
	}

	return mc
}

func (m *MemoryCache) expired(item *cacheItem) bool {
	return !item.expiration.IsZero() && !m.now().Before(item.expiration)
}

// Get retrieves a value from cache
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.data[key]
	if !exists || m.expired(item) {
		return nil, ErrCacheMiss
	}

	return item.value, nil
}

// Set stores a value in cache. A ttl of zero keeps the value until deleted.
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &cacheItem{value: value}
	if ttl > 0 {
		item.expiration = m.now().Add(ttl)
	}
	m.data[key] = item

	return nil
}

// Delete removes a value from cache
func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Exists checks if a live key exists
func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, exists := m.data[key]
	return exists && !m.expired(item), nil
}

// Clear removes all keys matching pattern
func (m *MemoryCache) Clear(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.data {
		if matchPattern(key, pattern) {
			delete(m.data, key)
		}
	}

	return nil
}

// Len counts stored items, expired ones included
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// cleanup periodically removes expired items
func (m *MemoryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.done:
			return
		}
	}
}

func (m *MemoryCache) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, item := range m.data {
		if m.expired(item) {
			delete(m.data, key)
		}
	}
}

// Close stops the cleanup goroutine
func (m *MemoryCache) Close() error {
	m.close.Do(func() { close(m.done) })
	return nil
}

// matchPattern supports "*" and trailing "*" prefix patterns
func matchPattern(s, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(s, prefix)
	}

	return s == pattern
}
