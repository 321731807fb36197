package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow trims entries older than the window, then records the call
// only when the window still has room. Rejected calls do not extend the
// window. Scores are unix milliseconds. Returns {allowed, count, oldest}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = ARGV[1]
if oldest[2] then first = oldest[2] end
return {allowed, count, first}
`)

// Limiter implements a sliding window rate limiter backed by a Redis sorted
// set per key.
type Limiter struct {
	Client *redis.Client
	Prefix string
	now    func() time.Time
}

// Allow registers an event for the given key and reports whether it fits the
// limit. reset is when the oldest recorded event leaves the window.
func (l Limiter) Allow(ctx context.Context, key string, window time.Duration, max int) (allowed bool, remaining int, reset time.Time, err error) {
	now := time.Now()
	if l.now != nil {
		now = l.now()
	}
	if l.Client == nil || max <= 0 || window <= 0 {
		return true, max, now.Add(window), nil
	}

	res, err := slidingWindow.Run(ctx, l.Client, []string{l.Prefix + key},
		now.UnixMilli(), window.Milliseconds(), max, uuid.NewString()).Slice()
	if err != nil {
		return false, 0, now.Add(window), err
	}
	ok, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldest := now
	if s, isStr := res[2].(string); isStr {
		if ms, perr := parseMillis(s); perr == nil {
			oldest = time.UnixMilli(ms)
		}
	}

	remaining = max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return ok == 1, remaining, oldest.Add(window), nil
}

func parseMillis(s string) (int64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
