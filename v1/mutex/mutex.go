// Package mutex provides the short-lived keyed mutexes lock stores use to
// make their check-then-write sequences atomic across goroutines and nodes.
package mutex

import (
	"context"
	"time"
)

// Locker is a keyed mutual exclusion primitive. A held key is released
// automatically once its ttl elapses; a ttl of zero means no expiry.
//
// Every successful acquisition returns a holder id. Release only frees the
// key while it is still held under that id, so a holder whose ttl lapsed
// cannot release the key from whoever took it next.
type Locker interface {
	// TryLock attempts to obtain the key without waiting. ok is false when
	// the key is held.
	TryLock(ctx context.Context, key string, ttl time.Duration) (holder string, ok bool, err error)
	// Acquire blocks until the key is obtained or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (holder string, err error)
	// Release frees the key held under holder. Releasing a key that is not
	// held, or held by another holder, is a no-op.
	Release(ctx context.Context, key, holder string) error
}

func lockTopic(key string) string   { return "lock:" + key }
func unlockTopic(key string) string { return "unlock:" + key }
