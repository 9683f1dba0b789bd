// Package adapter provides the lock.Store implementations: an in-memory
// store for single-process deployments and tests, a Redis store and a GORM
// store for state shared between nodes.
package adapter

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"sort"

	redis "github.com/redis/go-redis/v9"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/lock"
)

// mapErr translates driver errors into the daverrors taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return daverrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed), stdErrors.Is(err, sql.ErrConnDone):
		return daverrors.ErrConnectionClosed
	}
	return err
}

// ctxErr reports a done context before any I/O is attempted.
func ctxErr(ctx context.Context) error {
	return mapErr(ctx.Err())
}

// sortLocks orders locks by creation time, then token, so that every store
// answers queries in the same order.
func sortLocks(locks []*lock.Lock) {
	sort.Slice(locks, func(i, j int) bool {
		a, b := locks[i], locks[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Token < b.Token
	})
}
