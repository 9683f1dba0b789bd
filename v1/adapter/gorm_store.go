package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	"github.com/mirkobrombin/go-dav/v1/lock"
	"github.com/mirkobrombin/go-dav/v1/mutex"
)

const (
	defaultGormTableName = "dav_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLock is the row model of a lock record.
type gormLock struct {
	Token     string    `gorm:"primaryKey;column:token"`
	Path      string    `gorm:"index;column:path"`
	User      string    `gorm:"column:user_id"`
	Owner     string    `gorm:"column:owner"`
	Scope     string    `gorm:"column:scope"`
	Kind      string    `gorm:"column:kind"`
	Depth     int       `gorm:"column:depth"`
	Timeout   int64     `gorm:"column:timeout_ms"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime:false"`
	ExpiresAt time.Time `gorm:"index;column:expires_at"`
}

func toRow(l *lock.Lock) gormLock {
	return gormLock{
		Token:     l.Token,
		Path:      l.Path.String(),
		User:      l.User,
		Owner:     l.Owner,
		Scope:     string(l.Scope),
		Kind:      l.Kind,
		Depth:     int(l.Depth),
		Timeout:   l.Timeout.Milliseconds(),
		CreatedAt: l.CreatedAt.UTC(),
		ExpiresAt: l.ExpiresAt().UTC(),
	}
}

func (r gormLock) toLock() *lock.Lock {
	return &lock.Lock{
		Token:     r.Token,
		Path:      davpath.Parse(r.Path),
		User:      r.User,
		Owner:     r.Owner,
		Scope:     lock.Scope(r.Scope),
		Kind:      r.Kind,
		Depth:     lock.Depth(r.Depth),
		Timeout:   time.Duration(r.Timeout) * time.Millisecond,
		CreatedAt: r.CreatedAt,
	}
}

type gormTxKey struct{}

// GormStore implements lock.Store using a GORM backend. Expired rows are
// filtered on expires_at and removed by Sweep.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	locker    mutex.Locker
	mutexTTL  time.Duration
	now       func() time.Time
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	locker    mutex.Locker
	now       func() time.Time
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormMutex sets the mutex guarding Atomically. The default is an
// in-memory mutex, which is only correct while a single process writes to
// the table.
func WithGormMutex(l mutex.Locker) GormOption {
	return func(o *gormStoreOptions) {
		o.locker = l
	}
}

// WithGormClock overrides the time source used for expiry.
func WithGormClock(now func() time.Time) GormOption {
	return func(o *gormStoreOptions) {
		o.now = now
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// The table is created when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locker == nil {
		o.locker = mutex.NewInMemory(nil)
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, err
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		locker:    o.locker,
		mutexTTL:  defaultMutexTTL,
		now:       o.now,
	}, nil
}

// conn returns the transaction opened by Atomically, or the pool.
func (s *GormStore) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(gormTxKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx).Table(s.tableName)
	}
	return s.db.WithContext(ctx).Table(s.tableName)
}

func (s *GormStore) query(ctx context.Context, where string, args ...any) ([]*lock.Lock, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []gormLock
	err := s.conn(cctx).
		Where(where, args...).
		Where("expires_at > ?", s.now().UTC()).
		Order("created_at, token").
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*lock.Lock, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLock())
	}
	return out, nil
}

// ExplicitLocks implements lock.Store.ExplicitLocks.
func (s *GormStore) ExplicitLocks(ctx context.Context, path davpath.Path) ([]*lock.Lock, error) {
	return s.query(ctx, "path = ?", path.String())
}

// ImplicitLocks implements lock.Store.ImplicitLocks with a single query over
// the ancestors of path.
func (s *GormStore) ImplicitLocks(ctx context.Context, path davpath.Path) ([]*lock.Lock, error) {
	ancestors := path.Ancestors()
	if len(ancestors) == 0 {
		return nil, nil
	}
	paths := make([]string, len(ancestors))
	for i, a := range ancestors {
		paths[i] = a.String()
	}
	return s.query(ctx, "path IN ? AND depth = ?", paths, int(lock.DepthInfinity))
}

// ExplicitlyLocked implements lock.Store.ExplicitlyLocked.
func (s *GormStore) ExplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ExplicitLocks(ctx, path)
	return len(locks) > 0, err
}

// ImplicitlyLocked implements lock.Store.ImplicitlyLocked.
func (s *GormStore) ImplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error) {
	locks, err := s.ImplicitLocks(ctx, path)
	return len(locks) > 0, err
}

// Generate implements lock.Store.Generate.
func (s *GormStore) Generate(ctx context.Context, path davpath.Path, user, token string) (*lock.Lock, error) {
	return lock.New(path, user, token, s.now()), nil
}

// FindByToken implements lock.Store.FindByToken.
func (s *GormStore) FindByToken(ctx context.Context, token string) (*lock.Lock, bool, error) {
	locks, err := s.query(ctx, "token = ?", token)
	if err != nil || len(locks) == 0 {
		return nil, false, err
	}
	return locks[0], true, nil
}

// Save implements lock.Store.Save as an upsert keyed by token.
func (s *GormStore) Save(ctx context.Context, l *lock.Lock) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	row := toRow(l)
	err := s.conn(cctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		UpdateAll: true,
	}).Create(&row).Error
	return mapErr(err)
}

// Destroy implements lock.Store.Destroy.
func (s *GormStore) Destroy(ctx context.Context, l *lock.Lock) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.conn(cctx).Where("token = ?", l.Token).Delete(&gormLock{}).Error
	return mapErr(err)
}

// Sweep deletes expired rows and returns how many were removed.
func (s *GormStore) Sweep(ctx context.Context) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res := s.conn(cctx).Where("expires_at <= ?", s.now().UTC()).Delete(&gormLock{})
	return res.RowsAffected, mapErr(res.Error)
}

// Atomically implements lock.Store.Atomically: fn runs under the store
// mutex inside a single transaction, which is rolled back when fn fails.
func (s *GormStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	key := "gorm:" + s.tableName
	holder, err := s.locker.Acquire(ctx, key, s.mutexTTL)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = s.locker.Release(context.Background(), key, holder) }()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, gormTxKey{}, tx))
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return mapErr(err)
	}
	return err
}
