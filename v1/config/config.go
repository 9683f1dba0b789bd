// Package config loads the lock layer configuration from a TOML file and
// command line overrides.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	flag "github.com/spf13/pflag"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

// Lock store selectors accepted by lock_class.
const (
	LockClassMemory = "memory"
	LockClassRedis  = "redis"
	LockClassGorm   = "gorm"
)

type Redis struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Gorm configures the SQL lock store. Mutex selects what serializes its
// check-then-write sequences: "memory" only holds within one process,
// "redis" uses the [redis] connection and holds across processes.
type Gorm struct {
	DSN   string `toml:"dsn"`
	Table string `toml:"table"`
	Mutex string `toml:"mutex"`
}

// Config is the resolved configuration. Timeouts are kept as durations;
// the file stores them in seconds.
type Config struct {
	LockClass      string
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
	DeleteDotfiles bool
	PublicRoot     davpath.Path
	MaxDepth       int
	Redis          Redis
	Gorm           Gorm
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LockClass:      LockClassMemory,
		MaxTimeout:     86400 * time.Second,
		DefaultTimeout: 60 * time.Second,
		PublicRoot:     davpath.Root(),
		MaxDepth:       1000,
		Redis:          Redis{Addr: "localhost:6379"},
		Gorm:           Gorm{DSN: "file::memory:?cache=shared", Table: "dav_locks", Mutex: LockClassMemory},
	}
}

// raw mirrors the file keys. Pointers tell unset keys from zero values.
type raw struct {
	LockClass      *string `toml:"lock_class"`
	MaxTimeout     *int64  `toml:"max_timeout"`
	DefaultTimeout *int64  `toml:"default_timeout"`
	DeleteDotfiles *bool   `toml:"delete_dotfiles"`
	PublicRoot     *string `toml:"public_root"`
	MaxDepth       *int    `toml:"max_depth"`
	Redis          *Redis  `toml:"redis"`
	Gorm           *Gorm   `toml:"gorm"`
}

// ParseConfig reads the TOML file at path on top of Default. An empty path
// yields the defaults.
func ParseConfig(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	var r raw
	md, err := toml.DecodeFile(path, &r)
	if err != nil {
		return nil, err
	}
	return r.apply(md)
}

// Decode parses TOML text on top of Default.
func Decode(data string) (*Config, error) {
	var r raw
	md, err := toml.Decode(data, &r)
	if err != nil {
		return nil, err
	}
	return r.apply(md)
}

func (r raw) apply(md toml.MetaData) (*Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q: %w", undecoded[0].String(), daverrors.ErrBadRequest)
	}
	cfg := Default()
	if r.LockClass != nil {
		cfg.LockClass = *r.LockClass
	}
	if r.MaxTimeout != nil {
		cfg.MaxTimeout = time.Duration(*r.MaxTimeout) * time.Second
	}
	if r.DefaultTimeout != nil {
		cfg.DefaultTimeout = time.Duration(*r.DefaultTimeout) * time.Second
	}
	if r.DeleteDotfiles != nil {
		cfg.DeleteDotfiles = *r.DeleteDotfiles
	}
	if r.PublicRoot != nil {
		cfg.PublicRoot = davpath.Parse(*r.PublicRoot)
	}
	if r.MaxDepth != nil {
		cfg.MaxDepth = *r.MaxDepth
	}
	if r.Redis != nil {
		if r.Redis.Addr != "" {
			cfg.Redis.Addr = r.Redis.Addr
		}
		cfg.Redis.Password = r.Redis.Password
		cfg.Redis.DB = r.Redis.DB
	}
	if r.Gorm != nil {
		if r.Gorm.DSN != "" {
			cfg.Gorm.DSN = r.Gorm.DSN
		}
		if r.Gorm.Table != "" {
			cfg.Gorm.Table = r.Gorm.Table
		}
		if r.Gorm.Mutex != "" {
			cfg.Gorm.Mutex = r.Gorm.Mutex
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch c.LockClass {
	case LockClassMemory, LockClassRedis, LockClassGorm:
	default:
		return fmt.Errorf("unknown lock_class %q: %w", c.LockClass, daverrors.ErrBadRequest)
	}
	switch c.Gorm.Mutex {
	case LockClassMemory, LockClassRedis:
	default:
		return fmt.Errorf("unknown gorm mutex %q: %w", c.Gorm.Mutex, daverrors.ErrBadRequest)
	}
	if c.MaxTimeout <= 0 || c.DefaultTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive: %w", daverrors.ErrBadRequest)
	}
	if c.DefaultTimeout > c.MaxTimeout {
		return fmt.Errorf("default_timeout %v exceeds max_timeout %v: %w", c.DefaultTimeout, c.MaxTimeout, daverrors.ErrBadRequest)
	}
	if c.MaxDepth <= 0 {
		return fmt.Errorf("max_depth must be positive: %w", daverrors.ErrBadRequest)
	}
	return nil
}

// Flags holds the command line overrides registered by RegisterFlags.
type Flags struct {
	set            *flag.FlagSet
	configPath     *string
	lockClass      *string
	maxTimeout     *time.Duration
	defaultTimeout *time.Duration
	deleteDotfiles *bool
	publicRoot     *string
	redisAddr      *string
	gormDSN        *string
	gormMutex      *string
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		set:            fs,
		configPath:     fs.StringP("config", "c", "", "path to config file"),
		lockClass:      fs.StringP("lock-class", "l", LockClassMemory, "lock store: memory, redis or gorm"),
		maxTimeout:     fs.Duration("max-timeout", 86400*time.Second, "upper bound of lock timeouts"),
		defaultTimeout: fs.Duration("default-timeout", 60*time.Second, "lock timeout when none is requested"),
		deleteDotfiles: fs.Bool("delete-dotfiles", false, "delete dotfiles when they are unlocked"),
		publicRoot:     fs.String("public-root", "/", "mount prefix of public paths"),
		redisAddr:      fs.String("redis-addr", "localhost:6379", "redis address"),
		gormDSN:        fs.String("gorm-dsn", "file::memory:?cache=shared", "sqlite DSN"),
		gormMutex:      fs.String("gorm-mutex", LockClassMemory, "mutex of the gorm store: memory or redis"),
	}
}

// Load reads the file named by --config, then applies every flag that was
// set explicitly on the command line.
func (f *Flags) Load() (*Config, error) {
	cfg, err := ParseConfig(*f.configPath)
	if err != nil {
		return nil, err
	}
	if f.set.Lookup("lock-class").Changed {
		cfg.LockClass = *f.lockClass
	}
	if f.set.Lookup("max-timeout").Changed {
		cfg.MaxTimeout = *f.maxTimeout
	}
	if f.set.Lookup("default-timeout").Changed {
		cfg.DefaultTimeout = *f.defaultTimeout
	}
	if f.set.Lookup("delete-dotfiles").Changed {
		cfg.DeleteDotfiles = *f.deleteDotfiles
	}
	if f.set.Lookup("public-root").Changed {
		cfg.PublicRoot = davpath.Parse(*f.publicRoot)
	}
	if f.set.Lookup("redis-addr").Changed {
		cfg.Redis.Addr = *f.redisAddr
	}
	if f.set.Lookup("gorm-dsn").Changed {
		cfg.Gorm.DSN = *f.gormDSN
	}
	if f.set.Lookup("gorm-mutex").Changed {
		cfg.Gorm.Mutex = *f.gormMutex
	}
	return cfg, cfg.Validate()
}
