package adapter

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	"github.com/mirkobrombin/go-dav/v1/lock"
	"github.com/mirkobrombin/go-dav/v1/mutex"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "davlock:"
	// defaultMutexTTL bounds how long a crashed holder can block Atomically.
	defaultMutexTTL = 10 * time.Second
)

// RedisStore implements lock.Store using a Redis backend. Each lock is a
// JSON document under "<prefix>token:<token>" whose TTL matches the lock
// timeout, indexed by a "<prefix>path:<path>" set of tokens. Set members
// whose document has expired are pruned on read.
type RedisStore struct {
	client   *redis.Client
	timeout  time.Duration
	prefix   string
	locker   mutex.Locker
	mutexTTL time.Duration
	now      func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout  time.Duration
	prefix   string
	locker   mutex.Locker
	bus      syncbus.Bus
	mutexTTL time.Duration
	now      func() time.Time
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithRedisPrefix sets the key prefix. Defaults to "davlock:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// WithRedisMutex replaces the mutex guarding Atomically.
func WithRedisMutex(l mutex.Locker) RedisOption {
	return func(o *redisStoreOptions) {
		o.locker = l
	}
}

// WithRedisBus sets the bus the default mutex uses to wake waiters.
func WithRedisBus(bus syncbus.Bus) RedisOption {
	return func(o *redisStoreOptions) {
		o.bus = bus
	}
}

// WithRedisClock overrides the time source used for expiry.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(o *redisStoreOptions) {
		o.now = now
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
// Unless WithRedisMutex is given, Atomically is guarded by a mutex.Redis
// on "<prefix>mutex".
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{
		timeout:  defaultRedisOpTimeout,
		prefix:   defaultRedisPrefix,
		mutexTTL: defaultMutexTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = mutex.NewRedis(client, o.bus)
	}
	return &RedisStore{
		client:   client,
		timeout:  o.timeout,
		prefix:   o.prefix,
		locker:   o.locker,
		mutexTTL: o.mutexTTL,
		now:      o.now,
	}
}

func (s *RedisStore) tokenKey(token string) string {
	return s.prefix + "token:" + token
}

func (s *RedisStore) pathKey(p davpath.Path) string {
	return s.prefix + "path:" + p.String()
}

func (s *RedisStore) mutexKey() string {
	return s.prefix + "mutex"
}

// ExplicitLocks implements lock.Store.ExplicitLocks.
func (s *RedisStore) ExplicitLocks(ctx context.Context, path davpath.Path) ([]*lock.Lock, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	setKey := s.pathKey(path)
	tokens, err := s.client.SMembers(cctx, setKey).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = s.tokenKey(t)
	}
	vals, err := s.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, mapErr(err)
	}

	now := s.now()
	var out []*lock.Lock
	var stale []any
	for i, v := range vals {
		data, ok := v.(string)
		if !ok {
			stale = append(stale, tokens[i])
			continue
		}
		var l lock.Lock
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, err
		}
		if l.Expired(now) {
			continue
		}
		out = append(out, &l)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(cctx, setKey, stale...).Err(); err != nil {
			return nil, mapErr(err)
		}
	}
	sortLocks(out)
	return out, nil
}

// ImplicitLocks implements lock.Store.ImplicitLocks. The ancestors are
// fetched concurrently; the result keeps root-first order.
func (s *RedisStore) ImplicitLocks(ctx context.Context, path davpath.Path) ([]*lock.Lock, error) {
	ancestors := path.Ancestors()
	found := make([][]*lock.Lock, len(ancestors))
	g, gctx := errgroup.WithContext(ctx)
	for i, anc := range ancestors {
		i, anc := i, anc
		g.Go(func() error {
			locks, err := s.ExplicitLocks(gctx, anc)
			found[i] = locks
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []*lock.Lock
	for _, locks := range found {
		for _, l := range locks {
			if l.Depth == lock.DepthInfinity {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// ExplicitlyLocked implements lock.Store.ExplicitlyLocked.
func (s *RedisStore) ExplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ExplicitLocks(ctx, path)
	return len(locks) > 0, err
}

// ImplicitlyLocked implements lock.Store.ImplicitlyLocked.
func (s *RedisStore) ImplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ImplicitLocks(ctx, path)
	return len(locks) > 0, err
}

// Generate implements lock.Store.Generate.
func (s *RedisStore) Generate(ctx context.Context, path davpath.Path, user, token string) (*lock.Lock, error) {
	return lock.New(path, user, token, s.now()), nil
}

// FindByToken implements lock.Store.FindByToken.
func (s *RedisStore) FindByToken(ctx context.Context, token string) (*lock.Lock, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.tokenKey(token)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapErr(err)
	}
	var l lock.Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, false, err
	}
	if l.Expired(s.now()) {
		return nil, false, nil
	}
	return &l, true, nil
}

// Save implements lock.Store.Save. The document expires together with the
// lock.
func (s *RedisStore) Save(ctx context.Context, l *lock.Lock) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	ttl := l.Remaining(s.now())
	if ttl <= 0 {
		return s.Destroy(ctx, l)
	}
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, s.tokenKey(l.Token), data, ttl)
	pipe.SAdd(cctx, s.pathKey(l.Path), l.Token)
	_, err = pipe.Exec(cctx)
	return mapErr(err)
}

// Destroy implements lock.Store.Destroy.
func (s *RedisStore) Destroy(ctx context.Context, l *lock.Lock) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.Del(cctx, s.tokenKey(l.Token))
	pipe.SRem(cctx, s.pathKey(l.Path), l.Token)
	_, err := pipe.Exec(cctx)
	return mapErr(err)
}

// Atomically implements lock.Store.Atomically. It holds the store mutex for
// the duration of fn, across every process sharing the Redis instance.
func (s *RedisStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	holder, err := s.locker.Acquire(ctx, s.mutexKey(), s.mutexTTL)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = s.locker.Release(context.Background(), s.mutexKey(), holder) }()
	return fn(ctx)
}
