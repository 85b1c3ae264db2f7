package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"venueline/internal/metrics"
)

// releaseScript deletes the lock only when it still carries our token.
// KEYS[1] = lock key
// ARGV[1] = token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX so several hosts can share a
// tenant. Owner death is handled by the key TTL.
type RedisLocker struct {
	Client  *redis.Client
	Prefix  string
	TTL     time.Duration
	Timeout time.Duration
	Poll    time.Duration
}

func NewRedisLocker(addr, prefix string, timeout, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		Client:  redis.NewClient(&redis.Options{Addr: addr}),
		Prefix:  prefix,
		TTL:     ttl,
		Timeout: timeout,
		Poll:    50 * time.Millisecond,
	}
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l redisLock) Release() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", l.key, err)
	}
	return nil
}

func (r *RedisLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	start := time.Now()
	defer func() { metrics.LockWaitSeconds.Observe(time.Since(start).Seconds()) }()

	ttl := r.TTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := r.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	lockKey := fmt.Sprintf("%slock:%s", r.Prefix, key)
	token := uuid.NewString()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		ok, err := r.Client.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", lockKey, err)
		}
		if ok {
			return redisLock{client: r.Client, key: lockKey, token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, timeout)
		case <-time.After(poll):
		}
	}
}

// RecoverStaleLocks is a no-op: expired owners lose their key to the TTL.
func (r *RedisLocker) RecoverStaleLocks(context.Context) (int, error) {
	return 0, nil
}
