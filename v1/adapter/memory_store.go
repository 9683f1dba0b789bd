package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	"github.com/mirkobrombin/go-dav/v1/lock"
)

// InMemoryStore is a lock.Store backed by maps. Expired locks are hidden
// from every query and, when a sweep interval is configured, removed in the
// background.
type InMemoryStore struct {
	atomic sync.Mutex

	mu     sync.RWMutex
	tokens map[string]*lock.Lock
	paths  map[string]map[string]struct{}

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*inMemoryOptions)

type inMemoryOptions struct {
	now   func() time.Time
	sweep time.Duration
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) InMemoryOption {
	return func(o *inMemoryOptions) {
		o.now = now
	}
}

// WithSweepInterval removes expired locks every d. Zero disables sweeping.
func WithSweepInterval(d time.Duration) InMemoryOption {
	return func(o *inMemoryOptions) {
		o.sweep = d
	}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	o := inMemoryOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	s := &InMemoryStore{
		tokens: make(map[string]*lock.Lock),
		paths:  make(map[string]map[string]struct{}),
		now:    o.now,
		stop:   make(chan struct{}),
	}
	if o.sweep > 0 {
		go s.sweeper(o.sweep)
	}
	return s
}

func (s *InMemoryStore) sweeper(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep removes every expired lock and returns how many were dropped.
func (s *InMemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.tokens {
		if l.Expired(now) {
			s.remove(l)
			n++
		}
	}
	return n
}

// Close stops the background sweeper.
func (s *InMemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

// Len returns the number of stored locks, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// remove must be called with s.mu held.
func (s *InMemoryStore) remove(l *lock.Lock) {
	delete(s.tokens, l.Token)
	key := l.Path.String()
	if set := s.paths[key]; set != nil {
		delete(set, l.Token)
		if len(set) == 0 {
			delete(s.paths, key)
		}
	}
}

// ExplicitLocks implements lock.Store.ExplicitLocks.
func (s *InMemoryStore) ExplicitLocks(ctx context.Context, path davpath.Path) ([]*lock.Lock, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*lock.Lock
	for token := range s.paths[path.String()] {
		l := s.tokens[token]
		if l.Expired(now) {
			continue
		}
		out = append(out, l.Clone())
	}
	sortLocks(out)
	return out, nil
}

// ImplicitLocks implements lock.Store.ImplicitLocks.
func (s *InMemoryStore) ImplicitLocks(ctx context.Context, path davpath.Path) ([]*lock.Lock, error) {
	return lock.CollectImplicit(ctx, path, s.ExplicitLocks)
}

// ExplicitlyLocked implements lock.Store.ExplicitlyLocked.
func (s *InMemoryStore) ExplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ExplicitLocks(ctx, path)
	return len(locks) > 0, err
}

// ImplicitlyLocked implements lock.Store.ImplicitlyLocked.
func (s *InMemoryStore) ImplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ImplicitLocks(ctx, path)
	return len(locks) > 0, err
}

// Generate implements lock.Store.Generate.
func (s *InMemoryStore) Generate(ctx context.Context, path davpath.Path, user, token string) (*lock.Lock, error) {
	return lock.New(path, user, token, s.now()), nil
}

// FindByToken implements lock.Store.FindByToken.
func (s *InMemoryStore) FindByToken(ctx context.Context, token string) (*lock.Lock, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	l, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok || l.Expired(s.now()) {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

// Save implements lock.Store.Save.
func (s *InMemoryStore) Save(ctx context.Context, l *lock.Lock) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tokens[l.Token]; ok {
		s.remove(old)
	}
	s.tokens[l.Token] = l.Clone()
	key := l.Path.String()
	if s.paths[key] == nil {
		s.paths[key] = make(map[string]struct{})
	}
	s.paths[key][l.Token] = struct{}{}
	return nil
}

// Destroy implements lock.Store.Destroy.
func (s *InMemoryStore) Destroy(ctx context.Context, l *lock.Lock) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	if cur, ok := s.tokens[l.Token]; ok {
		s.remove(cur)
	}
	s.mu.Unlock()
	return nil
}

// Atomically implements lock.Store.Atomically with a process-wide mutex.
func (s *InMemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.atomic.Lock()
	defer s.atomic.Unlock()
	return fn(ctx)
}
