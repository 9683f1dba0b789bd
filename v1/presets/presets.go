// Package presets assembles a lock manager and the resource options of one
// deployment from a config.Config.
package presets

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-dav/v1/adapter"
	"github.com/mirkobrombin/go-dav/v1/config"
	"github.com/mirkobrombin/go-dav/v1/lock"
	"github.com/mirkobrombin/go-dav/v1/mutex"
	"github.com/mirkobrombin/go-dav/v1/resource"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

// DefaultSweepInterval is how often the in-memory store drops expired locks.
const DefaultSweepInterval = time.Minute

// Deployment bundles what a server needs to serve locked resources.
type Deployment struct {
	Manager *lock.Manager
	Store   lock.Store
	Bus     syncbus.Bus

	cfg     *config.Config
	logger  *slog.Logger
	closers []func() error
}

// ResourceOptions returns the resource.Options wired to the deployment's
// lock manager.
func (d *Deployment) ResourceOptions() resource.Options {
	return resource.Options{
		Locks:          d.Manager,
		PublicRoot:     d.cfg.PublicRoot,
		DeleteDotfiles: d.cfg.DeleteDotfiles,
		MaxDepth:       d.cfg.MaxDepth,
		Logger:         d.logger,
	}
}

// Close releases the store and bus connections in reverse order.
func (d *Deployment) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// New builds the deployment selected by cfg.LockClass. opts are applied to
// the manager after the config derived ones.
func New(cfg *config.Config, opts ...lock.Option) (*Deployment, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.LockClass {
	case config.LockClassRedis:
		return NewRedis(cfg, opts...), nil
	case config.LockClassGorm:
		return NewGorm(cfg, opts...)
	default:
		return NewInMemoryStandalone(cfg, opts...), nil
	}
}

// NewInMemoryStandalone keeps locks in process memory. Locks do not survive
// a restart and are not shared between processes.
func NewInMemoryStandalone(cfg *config.Config, opts ...lock.Option) *Deployment {
	store := adapter.NewInMemoryStore(adapter.WithSweepInterval(DefaultSweepInterval))
	bus := syncbus.NewInMemoryBus()
	d := newDeployment(cfg, store, bus, opts)
	d.closers = append(d.closers, store.Close)
	return d
}

// NewRedis shares locks through Redis. The same client carries the store,
// its mutex and the event bus.
func NewRedis(cfg *config.Config, opts ...lock.Option) *Deployment {
	client := newRedisClient(cfg)
	bus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
	store := adapter.NewRedisStore(client, adapter.WithRedisBus(bus))
	d := newDeployment(cfg, store, bus, opts)
	d.closers = append(d.closers, client.Close, bus.Close)
	return d
}

// NewGorm persists locks in the SQLite database named by cfg.Gorm.DSN.
// With cfg.Gorm.Mutex set to "memory" the store is only atomic within this
// process; "redis" serializes writers of every process through the [redis]
// connection and carries lock events on Redis as well.
func NewGorm(cfg *config.Config, opts ...lock.Option) (*Deployment, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Gorm.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("dav: open %s: %w", cfg.Gorm.DSN, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	var (
		bus     syncbus.Bus = syncbus.NewInMemoryBus()
		closers             = []func() error{sqlDB.Close}
		gormOpt             = []adapter.GormOption{adapter.WithGormTableName(cfg.Gorm.Table)}
	)
	if cfg.Gorm.Mutex == config.LockClassRedis {
		client := newRedisClient(cfg)
		rbus := syncbus.NewRedisBus(syncbus.RedisBusOptions{Client: client})
		bus = rbus
		closers = append(closers, client.Close, rbus.Close)
		gormOpt = append(gormOpt, adapter.WithGormMutex(mutex.NewRedis(client, rbus)))
	}

	store, err := adapter.NewGormStore(db, gormOpt...)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}
	d := newDeployment(cfg, store, bus, opts)
	d.closers = closers
	return d, nil
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func newDeployment(cfg *config.Config, store lock.Store, bus syncbus.Bus, opts []lock.Option) *Deployment {
	logger := slog.Default().With("lock_class", cfg.LockClass)
	base := []lock.Option{
		lock.WithMaxTimeout(cfg.MaxTimeout),
		lock.WithDefaultTimeout(cfg.DefaultTimeout),
		lock.WithBus(bus),
		lock.WithLogger(logger),
	}
	return &Deployment{
		Manager: lock.NewManager(store, append(base, opts...)...),
		Store:   store,
		Bus:     bus,
		cfg:     cfg,
		logger:  logger,
	}
}
