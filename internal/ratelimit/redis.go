package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// allowScript runs the fixed-window check atomically.
// KEYS[1] counter key, ARGV[1] max, ARGV[2] window in milliseconds.
var allowScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
	return 1
end
if tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

// RedisLimiter shares counters between instances through Redis.
type RedisLimiter struct {
	client redis.Scripter
}

// NewRedisLimiter wraps a go-redis client.
func NewRedisLimiter(client redis.Scripter) *RedisLimiter {
	if client == nil {
		return nil
	}
	return &RedisLimiter{client: client}
}

// Allow implements Limiter. Redis failures allow the attempt.
func (l *RedisLimiter) Allow(ctx context.Context, key string, max int, ttl time.Duration) bool {
	if l == nil || max <= 0 || ttl <= 0 {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := allowScript.Run(ctx, l.client, []string{key}, max, ttl.Milliseconds()).Int()
	if err != nil {
		log.WithError(err).Warn("ratelimit: redis check failed, allowing request")
		return true
	}
	return res == 1
}
