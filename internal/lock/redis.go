package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	minRetry = 10 * time.Millisecond
	maxRetry = 100 * time.Millisecond
)

// RedisLocker holds a per-key Redis lock (SET NX with a TTL) so bookings are
// serialized across server instances sharing one database. A busy key is
// retried with backoff for up to wait before giving up.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

// NewRedisLocker returns a locker whose holds expire after ttl. A zero wait
// waits as long as one ttl.
func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if wait <= 0 {
		wait = ttl
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait}
}

// NewRedisClient connects and pings, closing the client if the ping fails.
func NewRedisClient(addr, username, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     username,
		Password:     password,
		DB:           0,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     10,
		MinIdleConns: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	key = "lock:" + key
	token := uuid.NewString()

	err := retryAcquire(ctx, l.wait, func(ctx context.Context) (bool, error) {
		return l.client.SetNX(ctx, key, token, l.ttl).Result()
	})
	if err != nil {
		return err
	}

	defer func() {
		// Release with a fresh context so a cancelled request still unlocks.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.release(relCtx, key, token)
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

// retryAcquire calls try until it reports the lock taken, backing off
// between attempts. It gives up with ErrLockNotAcquired once wait or the
// deadline of ctx passes; a cancelled ctx is returned as is.
func retryAcquire(ctx context.Context, wait time.Duration, try func(ctx context.Context) (bool, error)) error {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	delay := minRetry
	for {
		ok, err := try(waitCtx)
		if ok {
			return nil
		}
		if err != nil && waitCtx.Err() == nil {
			return fmt.Errorf("acquire lock: %w", err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-waitCtx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return ctx.Err()
			}
			return ErrLockNotAcquired
		case <-timer.C:
		}
		delay = min(delay*2, maxRetry)
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *RedisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
