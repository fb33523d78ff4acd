package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidyhome/courier/ratelimit"
)

// attemptScript applies the sliding-window rule atomically on a hash holding
// count and start (unix milliseconds). It returns 1 if admitted, 0 if denied.
var attemptScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local vals = redis.call("HMGET", key, "count", "start")
local count = tonumber(vals[1])
local start = tonumber(vals[2])

if count == nil or start == nil or (now - start) > window then
	redis.call("HSET", key, "count", 1, "start", now)
	redis.call("PEXPIRE", key, window + 1)
	return 1
end

if count >= max then
	return 0
end

redis.call("HINCRBY", key, "count", 1)
return 1
`)

// RedisStore is a ratelimit.Store shared through Redis
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithRedisPrefix sets the key prefix
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

// NewRedisStore creates a store using rdb
func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "courier:ratelimit",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Attempt implements ratelimit.Store
func (s *RedisStore) Attempt(ctx context.Context, key string, now time.Time, maxAttempts int, window time.Duration) (bool, error) {
	res, err := attemptScript.Run(ctx, s.rdb,
		[]string{s.key(key)},
		now.UnixMilli(), maxAttempts, window.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res == 1, nil
}

// Lookup implements ratelimit.Store
func (s *RedisStore) Lookup(ctx context.Context, key string) (ratelimit.Record, bool, error) {
	vals, err := s.rdb.HMGet(ctx, s.key(key), "count", "start").Result()
	if err != nil {
		return ratelimit.Record{}, false, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return ratelimit.Record{}, false, nil
	}

	count, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("invalid count for %s: %w", key, err)
	}
	start, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return ratelimit.Record{}, false, fmt.Errorf("invalid window start for %s: %w", key, err)
	}

	return ratelimit.Record{Count: count, WindowStart: time.UnixMilli(start)}, true, nil
}

// Delete implements ratelimit.Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.key(key)).Err()
}
