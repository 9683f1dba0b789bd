package adapter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/lock"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type node struct {
	path davpath.Path
}

func at(p string) node { return node{path: davpath.Parse(p)} }

func (n node) Path() davpath.Path                             { return n.path }
func (n node) PublicPath() davpath.Path                       { return n.path }
func (n node) ParentExists(ctx context.Context) (bool, error) { return true, nil }

func saved(t *testing.T, s lock.Store, c *testClock, path, user string, depth lock.Depth, timeout time.Duration) *lock.Lock {
	t.Helper()
	l, err := s.Generate(context.Background(), davpath.Parse(path), user, lock.NewToken())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	l.Depth = depth
	l.Timeout = timeout
	l.CreatedAt = c.Now()
	if err := s.Save(context.Background(), l); err != nil {
		t.Fatalf("save: %v", err)
	}
	return l
}

// testStoreContract runs the behaviour every lock.Store must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T, c *testClock) lock.Store) {
	t.Run("ExplicitAndImplicit", func(t *testing.T) {
		c := newTestClock()
		s := newStore(t, c)
		ctx := context.Background()
		outer := saved(t, s, c, "/docs", "u1", lock.DepthInfinity, time.Minute)
		saved(t, s, c, "/docs/a", "u2", lock.DepthZero, time.Minute)

		explicit, err := s.ExplicitLocks(ctx, davpath.Parse("/docs"))
		if err != nil || len(explicit) != 1 || explicit[0].Token != outer.Token {
			t.Fatalf("unexpected explicit locks %v %v", explicit, err)
		}
		got := explicit[0]
		if got.User != "u1" || got.Depth != lock.DepthInfinity || got.Timeout != time.Minute || !got.Path.Equal(outer.Path) {
			t.Fatalf("lock not persisted faithfully: %+v", got)
		}
		implicit, err := s.ImplicitLocks(ctx, davpath.Parse("/docs/a/b"))
		if err != nil || len(implicit) != 1 || implicit[0].Token != outer.Token {
			t.Fatalf("unexpected implicit locks %v %v", implicit, err)
		}
		if ok, _ := s.ExplicitlyLocked(ctx, davpath.Parse("/docs/a")); !ok {
			t.Fatal("expected /docs/a to be explicitly locked")
		}
		if ok, _ := s.ImplicitlyLocked(ctx, davpath.Parse("/docs")); ok {
			t.Fatal("/docs has no locked ancestor")
		}
		if ok, _ := s.ImplicitlyLocked(ctx, davpath.Parse("/other")); ok {
			t.Fatal("/other should not be implicitly locked")
		}
	})

	t.Run("FindSaveDestroy", func(t *testing.T) {
		c := newTestClock()
		s := newStore(t, c)
		ctx := context.Background()
		l := saved(t, s, c, "/a", "u1", lock.DepthZero, time.Minute)

		found, ok, err := s.FindByToken(ctx, l.Token)
		if err != nil || !ok || found.User != "u1" {
			t.Fatalf("find: %v %v %v", found, ok, err)
		}
		found.Timeout = 2 * time.Minute
		if err := s.Save(ctx, found); err != nil {
			t.Fatalf("resave: %v", err)
		}
		if locks, _ := s.ExplicitLocks(ctx, davpath.Parse("/a")); len(locks) != 1 || locks[0].Timeout != 2*time.Minute {
			t.Fatalf("resave should update in place, got %v", locks)
		}
		if err := s.Destroy(ctx, found); err != nil {
			t.Fatalf("destroy: %v", err)
		}
		if _, ok, _ := s.FindByToken(ctx, l.Token); ok {
			t.Fatal("destroyed lock still found")
		}
		if ok, _ := s.ExplicitlyLocked(ctx, davpath.Parse("/a")); ok {
			t.Fatal("destroyed lock still listed")
		}
	})

	t.Run("ExpiredLocksAreHidden", func(t *testing.T) {
		c := newTestClock()
		s := newStore(t, c)
		ctx := context.Background()
		l := saved(t, s, c, "/a", "u1", lock.DepthInfinity, time.Second)
		c.Advance(2 * time.Second)
		if _, ok, _ := s.FindByToken(ctx, l.Token); ok {
			t.Fatal("expired lock found by token")
		}
		if locks, _ := s.ExplicitLocks(ctx, davpath.Parse("/a")); len(locks) != 0 {
			t.Fatalf("expired lock listed: %v", locks)
		}
		if locks, _ := s.ImplicitLocks(ctx, davpath.Parse("/a/b")); len(locks) != 0 {
			t.Fatalf("expired lock inherited: %v", locks)
		}
	})

	t.Run("AtomicallyPropagatesError", func(t *testing.T) {
		c := newTestClock()
		s := newStore(t, c)
		boom := errors.New("boom")
		if err := s.Atomically(context.Background(), func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected boom got %v", err)
		}
		if err := s.Atomically(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("store mutex not released: %v", err)
		}
	})

	t.Run("ManagerScenarios", func(t *testing.T) {
		c := newTestClock()
		s := newStore(t, c)
		m := lock.NewManager(s, lock.WithClock(c.Now))
		ctx := context.Background()

		timeout, token, err := m.Lock(ctx, at("/docs/report.txt"), "u1", lock.Request{Scope: lock.ScopeExclusive, Depth: lock.DepthZero})
		if err != nil || timeout != lock.DefaultTimeout {
			t.Fatalf("lock: %v %v", timeout, err)
		}
		if _, _, err := m.Lock(ctx, at("/docs/report.txt"), "u2", lock.Request{Scope: lock.ScopeShared}); !errors.Is(err, daverrors.ErrLocked) {
			t.Fatalf("expected ErrLocked got %v", err)
		}
		if _, again, err := m.Lock(ctx, at("/docs/report.txt"), "u1", lock.Request{Scope: lock.ScopeExclusive, Depth: lock.DepthZero}); err != nil || again != token {
			t.Fatalf("expected reuse of %q got %q %v", token, again, err)
		}

		if _, _, err := m.Lock(ctx, at("/tree"), "u1", lock.Request{Scope: lock.ScopeExclusive, Depth: lock.DepthInfinity, Timeout: 120 * time.Second}); err != nil {
			t.Fatalf("lock tree: %v", err)
		}
		_, _, err = m.Lock(ctx, at("/tree/leaf"), "u2", lock.Request{Scope: lock.ScopeExclusive})
		var lf *daverrors.LockFailure
		if !errors.As(err, &lf) {
			t.Fatalf("expected LockFailure got %v", err)
		}
		if _, ok := lf.Statuses["/tree/leaf"]; !ok {
			t.Fatalf("missing status for /tree/leaf: %v", lf.Statuses)
		}

		if err := m.Unlock(ctx, davpath.Parse("/docs/report.txt"), "u1", "<"+token+">"); err != nil {
			t.Fatalf("unlock: %v", err)
		}
		if err := m.Unlock(ctx, davpath.Parse("/docs/report.txt"), "u1", "<abc-123>"); !errors.Is(err, daverrors.ErrForbidden) {
			t.Fatalf("expected ErrForbidden got %v", err)
		}
	})

	t.Run("ConcurrentExclusiveLocks", func(t *testing.T) {
		c := newTestClock()
		s := newStore(t, c)
		m := lock.NewManager(s, lock.WithClock(c.Now))
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, _, err := m.Lock(ctx, at("/race"), string(rune('a'+i)), lock.Request{Scope: lock.ScopeExclusive})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		granted := 0
		for err := range errs {
			switch {
			case err == nil:
				granted++
			case !errors.Is(err, daverrors.ErrLocked):
				t.Fatalf("unexpected error %v", err)
			}
		}
		if granted != 1 {
			t.Fatalf("expected exactly one grant, got %d", granted)
		}
	})
}
