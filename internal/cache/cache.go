// Package cache memoizes short-lived lookups such as provider properties and form schemas.
package cache

import (
	"strings"
	"sync"
	"time"
)

const defaultMaxEntries = 1024

type entry struct {
	value     any
	expiresAt time.Time
}

// Manager is an in-process TTL cache. Entries are best-effort: a miss always
// falls back to the source of truth.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

// NewManager returns a cache that holds at most maxEntries live entries.
func NewManager(maxEntries int) *Manager {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Manager{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns the cached value for key when it has not expired.
func (m *Manager) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl deletes the key.
func (m *Manager) Set(key string, value any, ttl time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		delete(m.entries, key)
		return
	}
	now := m.now()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.sweepLocked(now)
		if len(m.entries) >= m.maxEntries {
			m.evictOldestLocked()
		}
	}
	m.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
}

// Remember returns the cached value or computes, stores and returns it.
// Errors from load are returned as-is and nothing is cached.
func (m *Manager) Remember(key string, ttl time.Duration, load func() (any, error)) (any, error) {
	if v, ok := m.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	m.Set(key, v, ttl)
	return v, nil
}

// Delete removes key.
func (m *Manager) Delete(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// DeletePrefix removes every key starting with prefix.
func (m *Manager) DeletePrefix(prefix string) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager) sweepLocked(now time.Time) {
	for key, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

func (m *Manager) evictOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for key, e := range m.entries {
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = key, e.expiresAt, true
		}
	}
	if found {
		delete(m.entries, oldestKey)
	}
}

// Remember is a typed wrapper around Manager.Remember.
func Remember[T any](m *Manager, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, ok := m.Get(key); ok {
		if typed, okType := v.(T); okType {
			return typed, nil
		}
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	m.Set(key, v, ttl)
	return v, nil
}
