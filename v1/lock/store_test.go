package lock

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
)

// fakeStore is a minimal Store used by the package tests.
type fakeStore struct {
	atomic sync.Mutex
	mu     sync.Mutex
	locks  map[string]*Lock
	now    func() time.Time
}

func newFakeStore(now func() time.Time) *fakeStore {
	return &fakeStore{locks: make(map[string]*Lock), now: now}
}

func (s *fakeStore) live() []*Lock {
	var out []*Lock
	for tok, l := range s.locks {
		if l.Expired(s.now()) {
			delete(s.locks, tok)
			continue
		}
		out = append(out, l)
	}
	return out
}

func (s *fakeStore) ExplicitLocks(ctx context.Context, path davpath.Path) ([]*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Lock
	for _, l := range s.live() {
		if l.Path.Equal(path) {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) ImplicitLocks(ctx context.Context, path davpath.Path) ([]*Lock, error) {
	return CollectImplicit(ctx, path, s.ExplicitLocks)
}

func (s *fakeStore) ExplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ExplicitLocks(ctx, path)
	return len(locks) > 0, err
}

func (s *fakeStore) ImplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ImplicitLocks(ctx, path)
	return len(locks) > 0, err
}

func (s *fakeStore) Generate(ctx context.Context, path davpath.Path, user, token string) (*Lock, error) {
	return New(path, user, token, s.now()), nil
}

func (s *fakeStore) FindByToken(ctx context.Context, token string) (*Lock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live()
	l, ok := s.locks[token]
	if !ok {
		return nil, false, nil
	}
	return l.Clone(), true, nil
}

func (s *fakeStore) Save(ctx context.Context, l *Lock) error {
	s.mu.Lock()
	s.locks[l.Token] = l.Clone()
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Destroy(ctx context.Context, l *Lock) error {
	s.mu.Lock()
	delete(s.locks, l.Token)
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	s.atomic.Lock()
	defer s.atomic.Unlock()
	return fn(ctx)
}

type fakeTarget struct {
	path   davpath.Path
	parent bool
}

func target(p string) fakeTarget {
	return fakeTarget{path: davpath.Parse(p), parent: true}
}

func (t fakeTarget) Path() davpath.Path       { return t.path }
func (t fakeTarget) PublicPath() davpath.Path { return t.path }
func (t fakeTarget) ParentExists(ctx context.Context) (bool, error) {
	return t.parent, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
