package security

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records consumed single-use token IDs.
type NonceStore interface {
	// Consume marks id as used for ttl. It reports false when id was already used.
	Consume(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore keeps consumed IDs in process memory.
type MemoryNonceStore struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore returns an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{used: make(map[string]time.Time), now: time.Now}
}

// Consume implements NonceStore.
func (s *MemoryNonceStore) Consume(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiresAt := range s.used {
		if !now.Before(expiresAt) {
			delete(s.used, key)
		}
	}
	if _, exists := s.used[id]; exists {
		return false, nil
	}
	s.used[id] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares consumed IDs between instances.
type RedisNonceStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisNonceStore wraps a go-redis client.
func NewRedisNonceStore(client redis.Cmdable) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "formrelay:nonce:"}
}

// Consume implements NonceStore with SET NX.
func (s *RedisNonceStore) Consume(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.SetNX(ctx, s.prefix+id, 1, ttl).Result()
}
