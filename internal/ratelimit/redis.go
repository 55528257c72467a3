package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	goredis "github.com/redis/go-redis/v9"

	"awards-be/pkg/redis"
)

// allowScript admits a request only if both windows have capacity, and
// counts it in both. A rejected request leaves the counters untouched.
//
// KEYS: short, long. ARGV: short limit, short ms, long limit, long ms.
// Returns {allowed, wait ms}.
var allowScript = goredis.NewScript(`
local sc = tonumber(redis.call('GET', KEYS[1]) or '0')
local lc = tonumber(redis.call('GET', KEYS[2]) or '0')
local sLimit = tonumber(ARGV[1])
local sWin = tonumber(ARGV[2])
local lLimit = tonumber(ARGV[3])
local lWin = tonumber(ARGV[4])
local wait = 0
if sc >= sLimit then
  local t = redis.call('PTTL', KEYS[1])
  if t < 0 then t = sWin end
  wait = t
end
if lc >= lLimit then
  local t = redis.call('PTTL', KEYS[2])
  if t < 0 then t = lWin end
  if t > wait then wait = t end
end
if wait > 0 then
  return {0, wait}
end
if redis.call('INCR', KEYS[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], sWin)
end
if redis.call('INCR', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], lWin)
end
return {1, 0}
`)

// RedisLimiter shares the two-window counters across instances through Redis
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
}

// NewRedisLimiter creates a limiter backed by the given client
func NewRedisLimiter(client *redis.Client, cfg Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis limiter requires a redis client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RedisLimiter{client: client, cfg: cfg}, nil
}

// Allow evaluates both windows in a single script call
func (l *RedisLimiter) Allow(ctx context.Context, clientKey string) (bool, time.Duration, error) {
	h := strconv.FormatUint(xxhash.Sum64String(clientKey), 16)
	keys := []string{
		l.client.KeyBuilder.KeyRateLimitShort(h),
		l.client.KeyBuilder.KeyRateLimitLong(h),
	}

	res, err := l.client.RunScript(ctx, allowScript, keys,
		l.cfg.Short.Limit, l.cfg.Short.Size.Milliseconds(),
		l.cfg.Long.Limit, l.cfg.Long.Size.Milliseconds(),
	)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected rate limit script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	waitMs, _ := vals[1].(int64)

	if allowed == 1 {
		return true, 0, nil
	}
	return false, time.Duration(waitMs) * time.Millisecond, nil
}
