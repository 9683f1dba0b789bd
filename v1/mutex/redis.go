package mutex

import (
	"context"
	stdErrors "errors"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

// DefaultRetryInterval bounds how long Acquire waits for an unlock event
// before polling Redis again. Keys that expire publish nothing.
const DefaultRetryInterval = 50 * time.Millisecond

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis implements Locker using a Redis backend. Each held key stores the
// random holder id returned to the caller, and only that id can release it.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	retry  time.Duration
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithRetryInterval overrides DefaultRetryInterval.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// NewRedis returns a new Redis locker using the provided client. Unlock
// events travel over bus; a nil bus falls back to an in-memory one, which
// only wakes waiters of the same process.
func NewRedis(client *redis.Client, bus syncbus.Bus, opts ...RedisOption) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	r := &Redis{
		client: client,
		bus:    bus,
		retry:  DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock attempts to obtain the lock without waiting.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	holder, err := uuid.GenerateUUID()
	if err != nil {
		return "", false, err
	}
	ok, err := r.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return "", false, mapRedisErr(err)
	}
	if !ok {
		return "", false, nil
	}
	return holder, true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ch, err := r.bus.Subscribe(ctx, unlockTopic(key))
	if err != nil {
		return "", err
	}
	defer func() { _ = r.bus.Unsubscribe(context.Background(), unlockTopic(key), ch) }()

	timer := time.NewTimer(r.retry)
	defer timer.Stop()
	for {
		holder, ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			_ = r.bus.Publish(ctx, lockTopic(key), syncbus.Event{Type: syncbus.EventLock, Path: key})
			return holder, nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.retry)
		select {
		case <-ch:
		case <-timer.C:
		case <-ctx.Done():
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", daverrors.ErrTimeout
			}
			return "", ctx.Err()
		}
	}
}

// Release deletes key if it still stores holder.
func (r *Redis) Release(ctx context.Context, key, holder string) error {
	if holder == "" {
		return nil
	}
	n, err := delScript.Run(ctx, r.client, []string{key}, holder).Int()
	if err == redis.Nil {
		err = nil
	}
	if err != nil {
		return mapRedisErr(err)
	}
	if n > 0 {
		_ = r.bus.Publish(ctx, unlockTopic(key), syncbus.Event{Type: syncbus.EventUnlock, Path: key})
	}
	return nil
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return daverrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return daverrors.ErrConnectionClosed
	}
	return err
}
