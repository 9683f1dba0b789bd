package lock

import (
	"context"

	"github.com/mirkobrombin/go-dav/v1/davpath"
)

// Store is the durable set of lock records a Manager works against. Expired
// locks must never be returned by any query.
type Store interface {
	// ExplicitLocks returns the locks recorded exactly at path.
	ExplicitLocks(ctx context.Context, path davpath.Path) ([]*Lock, error)
	// ImplicitLocks returns the depth-infinity locks recorded at any strict
	// ancestor of path.
	ImplicitLocks(ctx context.Context, path davpath.Path) ([]*Lock, error)
	ExplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error)
	ImplicitlyLocked(ctx context.Context, path davpath.Path) (bool, error)
	// Generate allocates a new, unsaved lock.
	Generate(ctx context.Context, path davpath.Path, user, token string) (*Lock, error)
	// FindByToken returns the lock identified by token. The boolean reports
	// whether it was found.
	FindByToken(ctx context.Context, token string) (*Lock, bool, error)
	Save(ctx context.Context, l *Lock) error
	Destroy(ctx context.Context, l *Lock) error
	// Atomically runs fn so that no other Atomically call on the same store
	// interleaves with it. The manager runs every check-then-write sequence
	// through it.
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// CollectImplicit gathers the depth-infinity locks of every strict ancestor
// of path using explicit as the per-path lookup. Stores without a native
// ancestor query build ImplicitLocks on top of it.
func CollectImplicit(ctx context.Context, path davpath.Path, explicit func(context.Context, davpath.Path) ([]*Lock, error)) ([]*Lock, error) {
	var out []*Lock
	for _, anc := range path.Ancestors() {
		locks, err := explicit(ctx, anc)
		if err != nil {
			return nil, err
		}
		for _, l := range locks {
			if l.Depth == DepthInfinity {
				out = append(out, l)
			}
		}
	}
	return out, nil
}
