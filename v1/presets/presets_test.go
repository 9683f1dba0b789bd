package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-dav/v1/config"
	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/lock"
	"github.com/mirkobrombin/go-dav/v1/memfs"
	"github.com/mirkobrombin/go-dav/v1/resource"
)

// exercise takes an exclusive lock through the resource layer and checks a
// second user is refused until it is released.
func exercise(t *testing.T, d *Deployment) {
	t.Helper()
	ctx := context.Background()
	fs := memfs.New()
	if err := fs.WriteFile(davpath.Parse("/docs/a.txt"), []byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	opts := d.ResourceOptions()
	r, err := resource.Open(fs, "/docs/a.txt", nil, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	timeout, token, err := r.Lock(ctx, "alice", lock.Request{Scope: lock.ScopeExclusive, Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if timeout != 30*time.Second || token == "" {
		t.Fatalf("unexpected grant %v %q", timeout, token)
	}
	if _, _, err := r.Lock(ctx, "bob", lock.Request{Scope: lock.ScopeShared}); !errors.Is(err, daverrors.ErrLocked) {
		t.Fatalf("expected ErrLocked got %v", err)
	}
	if status, err := r.Unlock(ctx, "alice", "<"+token+">"); err != nil || status != 204 {
		t.Fatalf("unlock: %d %v", status, err)
	}
	if _, _, err := r.Lock(ctx, "bob", lock.Request{Scope: lock.ScopeShared}); err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	d, err := New(config.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	exercise(t, d)
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.LockClass = config.LockClassRedis
	cfg.Redis.Addr = mr.Addr()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	exercise(t, d)
}

func TestNewGorm(t *testing.T) {
	cfg := config.Default()
	cfg.LockClass = config.LockClassGorm
	cfg.Gorm.DSN = "file:presets?mode=memory&cache=shared"
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	exercise(t, d)
}

func TestNewGormWithRedisMutex(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.LockClass = config.LockClassGorm
	cfg.Gorm.DSN = "file:presets_redis_mutex?mode=memory&cache=shared"
	cfg.Gorm.Mutex = config.LockClassRedis
	cfg.Redis.Addr = mr.Addr()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer d.Close()
	exercise(t, d)
	if mr.Exists("gorm:dav_locks") {
		t.Fatal("redis mutex still held after the walkthrough")
	}
}

func TestResourceOptionsFollowConfig(t *testing.T) {
	cfg := config.Default()
	cfg.PublicRoot = davpath.Parse("/dav")
	cfg.DeleteDotfiles = true
	cfg.MaxDepth = 7
	cfg.MaxTimeout = time.Hour
	d := NewInMemoryStandalone(cfg)
	defer d.Close()

	opts := d.ResourceOptions()
	if opts.Locks != d.Manager || !opts.DeleteDotfiles || opts.MaxDepth != 7 || opts.PublicRoot.String() != "/dav" {
		t.Fatalf("unexpected options %+v", opts)
	}
	if got := d.Manager.NegotiateTimeout(-1); got != time.Hour {
		t.Fatalf("expected max timeout 1h got %v", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.LockClass = "etcd"
	if _, err := New(cfg); !errors.Is(err, daverrors.ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest got %v", err)
	}
}
