package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitKeyPrefix namespaces rate limit counters in Redis.
const rateLimitKeyPrefix = "ratelimit:"

// rateLimitScript implements a fixed window counter atomically: INCR the
// window counter and set its expiry on first increment. Returns the current
// count and the remaining TTL in seconds.
var rateLimitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisRateLimitStore implements RateLimitStore backed by Redis, so limits
// hold across multiple API instances.
type RedisRateLimitStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{
		client: client,
		logger: slog.Default(),
	}
}

// Allow checks if a request from the given key should be allowed.
// Implements the RateLimitStore interface. Fails open: if Redis is
// unreachable the request is allowed rather than rejecting traffic on a
// cache outage.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	res, err := rateLimitScript.Run(ctx, s.client,
		[]string{rateLimitKeyPrefix + key},
		config.WindowDuration.Milliseconds(),
	).Int64Slice()
	if err != nil || len(res) != 2 {
		s.logger.Warn("rate limit check failed, allowing request",
			slog.String("key", key),
			slog.Any("error", err))
		return true, 0
	}

	count, ttlMillis := res[0], res[1]
	if count <= int64(config.RequestsPerWindow) {
		return true, 0
	}

	retryAfter := int(time.Duration(ttlMillis) * time.Millisecond / time.Second)
	if retryAfter <= 0 {
		retryAfter = 1
	}
	return false, retryAfter
}
