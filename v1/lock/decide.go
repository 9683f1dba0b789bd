package lock

import (
	"fmt"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

type verdictKind int

const (
	verdictGranted verdictKind = iota
	verdictReused
	verdictDenied
)

func (k verdictKind) String() string {
	switch k {
	case verdictReused:
		return "reused"
	case verdictDenied:
		return "denied"
	default:
		return "granted"
	}
}

// verdict is the outcome of arbitrating a lock request against the locks
// already covering the target. A granted verdict carries no lock: creating
// it is the caller's job.
type verdict struct {
	kind verdictKind
	lock *Lock
	err  error
}

// decide arbitrates req for user against the explicit locks at the target
// and the implicit locks inherited from its ancestors. It has no side
// effects. failurePath is the key used in a LockFailure.
//
// A lock of the same scope, kind and user already at the target is reused
// before any conflict is considered, so repeating a request is idempotent.
// An explicit lock rejects any exclusive request and rejects shared requests
// while an exclusive lock is held; the requester's own exclusive lock counts
// too. Implicit locks are only consulted when no explicit lock exists and
// report one failure per covering lock: an exclusive request fails under
// any of them, a shared one only under an exclusive lock of the same user.
// Another user's exclusive implicit lock does not block a shared request.
func decide(req Request, user string, explicit, implicit []*Lock, failurePath string) verdict {
	kind := req.kind()
	for _, l := range explicit {
		if l.Scope == req.Scope && l.Kind == kind && l.User == user {
			return verdict{kind: verdictReused, lock: l}
		}
	}

	if len(explicit) > 0 {
		if req.Scope == ScopeExclusive {
			return verdict{kind: verdictDenied, err: fmt.Errorf("%s already locked: %w", failurePath, daverrors.ErrLocked)}
		}
		for _, l := range explicit {
			if l.Exclusive() {
				return verdict{kind: verdictDenied, err: fmt.Errorf("%s exclusively locked: %w", failurePath, daverrors.ErrLocked)}
			}
		}
		return verdict{kind: verdictGranted}
	}

	if len(implicit) > 0 {
		failure := daverrors.NewLockFailure(failurePath)
		for _, l := range implicit {
			if req.Scope == ScopeExclusive || (l.Exclusive() && l.User == user) {
				failure.Add(failurePath, fmt.Errorf("covered by %s lock on %s: %w", l.Scope, l.Path, daverrors.ErrLocked))
			}
		}
		if failure.Len() > 0 {
			return verdict{kind: verdictDenied, err: failure}
		}
	}
	return verdict{kind: verdictGranted}
}
