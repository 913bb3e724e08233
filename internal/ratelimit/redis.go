package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingCountScript generalizes the teacher's rpm.go sliding-window Lua
// script: instead of a hardcoded 60s/limit pair it takes window (ms) and
// limit as arguments, so one script serves both the minute and day request
// buckets. KEYS[1] is the bucket's sorted set; members are unique per call
// (timestamp-nanosecond) so ZCARD counts admissions, not distinct values.
var slidingCountScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window_ms)
return 1
`)

// slidingWeightScript is the weighted variant backing the token buckets: it
// sums per-entry weights within the window instead of counting entries. A
// weight of zero or less skips the limit check. SettleTokens does not run
// this script: adjustWeight adds its correction to the ":sum" hash directly.
var slidingWeightScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local weight = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window_ms)
local sum = tonumber(redis.call('HGET', key .. ':sum', 'total') or '0')
if weight > 0 and sum + weight > limit then
  return 0
end
redis.call('ZADD', key, now, member)
redis.call('HINCRBY', key .. ':sum', 'total', weight)
redis.call('PEXPIRE', key, window_ms)
redis.call('PEXPIRE', key .. ':sum', window_ms)
return 1
`)

type redisBackend struct {
	rdb *redis.Client
}

func (b *redisBackend) admitCount(ctx context.Context, key string, window time.Duration, limit int, reason Reason) error {
	if b.rdb == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	member := uniqueMember(now)
	res, err := slidingCountScript.Run(ctx, b.rdb, []string{"rl:" + key}, now, window.Milliseconds(), limit, member).Result()
	if err != nil {
		// Graceful degradation: the teacher's rpm.go treats a Redis failure as
		// "allow" rather than fail-closed, since an unreachable rate-limit
		// store must not take the whole gateway down.
		slog.Default().Warn("ratelimit: redis unavailable, admitting by default", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	if toInt64(res) == 0 {
		return &Rejected{Reason: reason, RetryAt: time.Now().Add(window)}
	}
	return nil
}

func (b *redisBackend) admitWeight(ctx context.Context, key string, window time.Duration, limit int, weight int, reason Reason) error {
	if b.rdb == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	member := uniqueMember(now)
	res, err := slidingWeightScript.Run(ctx, b.rdb, []string{"rl:" + key}, now, window.Milliseconds(), limit, weight, member).Result()
	if err != nil {
		slog.Default().Warn("ratelimit: redis unavailable, admitting by default", slog.String("key", key), slog.Any("error", err))
		return nil
	}
	if toInt64(res) == 0 {
		return &Rejected{Reason: reason, RetryAt: time.Now().Add(window)}
	}
	return nil
}

func (b *redisBackend) adjustWeight(ctx context.Context, key string, window time.Duration, delta int) {
	if b.rdb == nil || delta == 0 {
		return
	}
	sumKey := "rl:" + key + ":sum"
	if err := b.rdb.HIncrBy(ctx, sumKey, "total", int64(delta)).Err(); err != nil {
		slog.Default().Warn("ratelimit: failed to settle token reservation", slog.String("key", key), slog.Any("error", err))
		return
	}
	b.rdb.PExpire(ctx, sumKey, window)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

var memberSeq int64

// uniqueMember gives each admission attempt a distinct sorted-set member so
// ZCARD/ZADD count admissions rather than deduplicating on timestamp
// collisions within the same millisecond.
func uniqueMember(nowMillis int64) string {
	seq := atomic.AddInt64(&memberSeq, 1)
	return strconv.FormatInt(nowMillis, 10) + "-" + strconv.FormatInt(seq, 10)
}
