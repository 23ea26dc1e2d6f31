// Package ratelimit throttles submissions per client and action with fixed windows.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Limiter decides whether another attempt is allowed for key in the current window.
//
// The first call of a window sets the counter to 1. Later calls increment while the
// counter is below max. Once the counter reaches max, calls return false without
// incrementing until the window expires.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) bool
}

// Key derives an opaque counter key from the client address and action.
func Key(clientIP, action string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(clientIP) + "|" + strings.TrimSpace(action)))
	return "formrelay:rl:" + hex.EncodeToString(sum[:])
}

type window struct {
	count     int
	expiresAt time.Time
}

// MemoryLimiter keeps counters in process memory.
type MemoryLimiter struct {
	mu        sync.Mutex
	windows   map[string]*window
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryLimiter returns an empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, max int, ttl time.Duration) bool {
	if l == nil || max <= 0 || ttl <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweepLocked(now, ttl)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		l.windows[key] = &window{count: 1, expiresAt: now.Add(ttl)}
		return true
	}
	if w.count >= max {
		return false
	}
	w.count++
	return true
}

// sweepLocked drops expired windows at most once per ttl.
func (l *MemoryLimiter) sweepLocked(now time.Time, ttl time.Duration) {
	if now.Sub(l.lastSweep) < ttl {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if !now.Before(w.expiresAt) {
			delete(l.windows, key)
		}
	}
}
