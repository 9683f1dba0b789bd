package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/metrics"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeStore, *clock) {
	t.Helper()
	c := newClock()
	store := newFakeStore(c.Now)
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return NewManager(store, opts...), store, c
}

func TestManagerNegotiateTimeout(t *testing.T) {
	m := NewManager(nil, WithMaxTimeout(time.Hour), WithDefaultTimeout(time.Minute))
	cases := []struct {
		in, want time.Duration
	}{
		{0, time.Minute},
		{-1, time.Hour},
		{30 * time.Second, 30 * time.Second},
		{time.Hour, time.Hour},
		{2 * time.Hour, time.Hour},
	}
	for _, c := range cases {
		if got := m.NegotiateTimeout(c.in); got != c.want {
			t.Fatalf("NegotiateTimeout(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestManagerLockParentMissing(t *testing.T) {
	m, _, _ := newTestManager(t)
	tgt := target("/missing/file")
	tgt.parent = false
	_, _, err := m.Lock(context.Background(), tgt, "u1", Request{Scope: ScopeExclusive})
	if !errors.Is(err, daverrors.ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
}

func TestManagerExclusiveThenSharedThenRelock(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	tgt := target("/docs/report.txt")
	req := Request{Scope: ScopeExclusive, Depth: DepthZero}

	reused := testutil.ToFloat64(metrics.LockReusedCounter)

	timeout, token, err := m.Lock(ctx, tgt, "u1", req)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if timeout != DefaultTimeout {
		t.Fatalf("expected default timeout got %v", timeout)
	}
	if token == "" {
		t.Fatal("expected a token")
	}

	_, _, err = m.Lock(ctx, tgt, "u2", Request{Scope: ScopeShared, Depth: DepthZero})
	if !errors.Is(err, daverrors.ErrLocked) {
		t.Fatalf("expected ErrLocked got %v", err)
	}

	_, again, err := m.Lock(ctx, tgt, "u1", req)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if again != token {
		t.Fatalf("expected same token %q got %q", token, again)
	}
	if got := testutil.ToFloat64(metrics.LockReusedCounter); got != reused+1 {
		t.Fatalf("expected reuse counter to grow by one, got %v -> %v", reused, got)
	}
}

func TestManagerReuseReportsRemainingTimeout(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()
	tgt := target("/a")
	req := Request{Scope: ScopeExclusive, Timeout: 100 * time.Second}
	if _, _, err := m.Lock(ctx, tgt, "u1", req); err != nil {
		t.Fatalf("lock: %v", err)
	}
	c.Advance(40 * time.Second)
	timeout, _, err := m.Lock(ctx, tgt, "u1", req)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	if timeout != 60*time.Second {
		t.Fatalf("expected 60s remaining got %v", timeout)
	}
}

func TestManagerReportsNegotiatedTimeoutUnderRealClock(t *testing.T) {
	m := NewManager(newFakeStore(time.Now))
	ctx := context.Background()

	timeout, token, err := m.Lock(ctx, target("/a"), "u1", Request{Scope: ScopeExclusive})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if timeout != 60*time.Second {
		t.Fatalf("expected 60s got %v", timeout)
	}
	timeout, _, err = m.Lock(ctx, target("/b"), "u1", Request{Scope: ScopeExclusive, Timeout: 120 * time.Second})
	if err != nil || timeout != 120*time.Second {
		t.Fatalf("expected 2m0s got %v %v", timeout, err)
	}

	timeout, again, err := m.Lock(ctx, target("/a"), "u1", Request{Scope: ScopeExclusive})
	if err != nil || again != token {
		t.Fatalf("relock: %v token %q", err, again)
	}
	if timeout != 60*time.Second {
		t.Fatalf("reuse should report whole seconds, got %v", timeout)
	}
	remaining, err := m.Refresh(ctx, davpath.Parse("/a"), "u1", "<"+token+">", 90*time.Second)
	if err != nil || remaining != 90*time.Second {
		t.Fatalf("expected 1m30s got %v %v", remaining, err)
	}
}

func TestManagerRejectsInvalidRequest(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	for _, req := range []Request{
		{},
		{Scope: "owner"},
		{Scope: ScopeExclusive, Depth: Depth(7)},
	} {
		if _, _, err := m.Lock(ctx, target("/a"), "u1", req); !errors.Is(err, daverrors.ErrBadRequest) {
			t.Fatalf("%+v: expected ErrBadRequest got %v", req, err)
		}
	}
	if locked, _ := store.ExplicitlyLocked(ctx, davpath.Parse("/a")); locked {
		t.Fatal("invalid request stored a lock")
	}
}

func TestManagerSharedUnderOtherUsersExclusiveAncestor(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, _, err := m.Lock(ctx, target("/docs"), "u2", Request{Scope: ScopeExclusive, Depth: DepthInfinity}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, _, err := m.Lock(ctx, target("/docs/x"), "u1", Request{Scope: ScopeShared}); err != nil {
		t.Fatalf("shared lock under another user's exclusive ancestor: %v", err)
	}
	var lf *daverrors.LockFailure
	if _, _, err := m.Lock(ctx, target("/docs/y"), "u2", Request{Scope: ScopeShared}); !errors.As(err, &lf) {
		t.Fatalf("expected LockFailure for the holder's own shared request, got %v", err)
	}
}

func TestManagerDepthInfinityPropagation(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	timeout, _, err := m.Lock(ctx, target("/docs"), "u1", Request{Scope: ScopeExclusive, Depth: DepthInfinity, Timeout: 120 * time.Second})
	if err != nil {
		t.Fatalf("lock collection: %v", err)
	}
	if timeout != 120*time.Second {
		t.Fatalf("expected 120s got %v", timeout)
	}

	_, _, err = m.Lock(ctx, target("/docs/report.txt"), "u2", Request{Scope: ScopeExclusive, Depth: DepthZero})
	var lf *daverrors.LockFailure
	if !errors.As(err, &lf) {
		t.Fatalf("expected LockFailure got %v", err)
	}
	if _, ok := lf.Statuses["/docs/report.txt"]; !ok {
		t.Fatalf("expected status for /docs/report.txt, got %v", lf.Statuses)
	}
	if daverrors.HTTPStatus(err) != 207 {
		t.Fatalf("expected multistatus, got %d", daverrors.HTTPStatus(err))
	}
}

func TestManagerDepthZeroDoesNotPropagate(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	if _, _, err := m.Lock(ctx, target("/docs"), "u1", Request{Scope: ScopeExclusive, Depth: DepthZero}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, _, err := m.Lock(ctx, target("/docs/a"), "u2", Request{Scope: ScopeExclusive}); err != nil {
		t.Fatalf("child lock should succeed: %v", err)
	}
}

func TestManagerExpiredLockIsIgnored(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()
	if _, _, err := m.Lock(ctx, target("/a"), "u1", Request{Scope: ScopeExclusive, Timeout: time.Second}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	c.Advance(2 * time.Second)
	if _, _, err := m.Lock(ctx, target("/a"), "u2", Request{Scope: ScopeExclusive}); err != nil {
		t.Fatalf("expected expired lock to be ignored: %v", err)
	}
}

func TestManagerUnlock(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	m, store, _ := newTestManager(t, WithBus(bus))
	ctx := context.Background()
	events, _ := bus.Subscribe(ctx, Topic)

	_, token, err := m.Lock(ctx, target("/docs"), "u1", Request{Scope: ScopeExclusive})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if ev := <-events; ev.Type != syncbus.EventLock || ev.Token != token {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := m.Unlock(ctx, davpath.Parse("/docs/a"), "u2", "<"+token+">"); !errors.Is(err, daverrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}
	if err := m.Unlock(ctx, davpath.Parse("/other"), "u1", "<"+token+">"); !errors.Is(err, daverrors.ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
	if err := m.Unlock(ctx, davpath.Parse("/docs/a"), "u1", "<"+token+">"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if ev := <-events; ev.Type != syncbus.EventUnlock || ev.Path != "/docs" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, ok, _ := store.FindByToken(ctx, token); ok {
		t.Fatal("lock should be destroyed")
	}
}

func TestManagerUnlockUnknownToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Unlock(context.Background(), davpath.Parse("/a"), "u1", "<abc-123>")
	if !errors.Is(err, daverrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}
}

func TestManagerUnlockMalformedToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Unlock(context.Background(), davpath.Parse("/a"), "u1", "<>")
	if !errors.Is(err, daverrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest got %v", err)
	}
}

func TestManagerRefresh(t *testing.T) {
	m, _, c := newTestManager(t)
	ctx := context.Background()
	_, token, err := m.Lock(ctx, target("/a"), "u1", Request{Scope: ScopeExclusive, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	c.Advance(8 * time.Second)
	remaining, err := m.Refresh(ctx, davpath.Parse("/a"), "u1", "<"+token+">", 30*time.Second)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if remaining != 30*time.Second {
		t.Fatalf("expected 30s got %v", remaining)
	}
	c.Advance(20 * time.Second)
	if _, _, err := m.Lock(ctx, target("/a"), "u2", Request{Scope: ScopeExclusive}); !errors.Is(err, daverrors.ErrLocked) {
		t.Fatalf("refreshed lock should still hold, got %v", err)
	}
	if _, err := m.Refresh(ctx, davpath.Parse("/a"), "u2", "<"+token+">", 0); !errors.Is(err, daverrors.ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}
}

func TestManagerDiscoverAndConfirm(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	_, outer, _ := m.Lock(ctx, target("/docs"), "u1", Request{Scope: ScopeShared, Depth: DepthInfinity})
	_, inner, _ := m.Lock(ctx, target("/docs/a"), "u2", Request{Scope: ScopeShared, Depth: DepthZero})

	locks, err := m.Discover(ctx, davpath.Parse("/docs/a"))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(locks) != 2 || locks[0].Token != inner || locks[1].Token != outer {
		t.Fatalf("unexpected discovery %+v", locks)
	}

	if err := m.Confirm(ctx, davpath.Parse("/docs/a/b"), "u1", "<"+outer+">"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := m.Confirm(ctx, davpath.Parse("/docs/a/b"), "u2", "<"+inner+">"); !errors.Is(err, daverrors.ErrLocked) {
		t.Fatalf("depth 0 lock should not cover a descendant, got %v", err)
	}
}

func TestManagerConcurrentExclusiveLocks(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := string(rune('a' + i%26))
			_, _, err := m.Lock(ctx, target("/race"), user+"-user", Request{Scope: ScopeExclusive})
			if err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if granted == 0 {
		t.Fatal("expected one grant")
	}
	locks, _ := m.Discover(ctx, davpath.Parse("/race"))
	if len(locks) != 1 {
		t.Fatalf("expected exactly one lock, got %d", len(locks))
	}
}
