package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

// Scope tells whether a lock admits other holders.
type Scope string

const (
	ScopeExclusive Scope = "exclusive"
	ScopeShared    Scope = "shared"
)

// ParseScope parses the lockscope element value of a LOCK request.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeExclusive:
		return ScopeExclusive, nil
	case ScopeShared:
		return ScopeShared, nil
	}
	return "", fmt.Errorf("invalid lock scope %q: %w", s, daverrors.ErrBadRequest)
}

// Depth is the reach of a lock: the node only, or the node and all of its
// descendants.
type Depth int

const (
	DepthZero     Depth = 0
	DepthInfinity Depth = -1
)

// ParseDepth parses a Depth header value. LOCK only admits "0" and
// "infinity"; an empty header means infinity.
func ParseDepth(s string) (Depth, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0":
		return DepthZero, nil
	case "", "infinity":
		return DepthInfinity, nil
	}
	return 0, fmt.Errorf("invalid lock depth %q: %w", s, daverrors.ErrBadRequest)
}

func (d Depth) String() string {
	if d == DepthZero {
		return "0"
	}
	return "infinity"
}

// KindWrite is the only lock type defined by RFC 4918.
const KindWrite = "write"

// Lock is a granted lock record.
type Lock struct {
	Path      davpath.Path  `json:"path"`
	Owner     string        `json:"owner"`
	User      string        `json:"user"`
	Scope     Scope         `json:"scope"`
	Kind      string        `json:"kind"`
	Depth     Depth         `json:"depth"`
	Token     string        `json:"token"`
	Timeout   time.Duration `json:"timeout"`
	CreatedAt time.Time     `json:"created_at"`
}

// New allocates an unsaved lock for path, owned by user and identified by
// token. Stores use it to implement Store.Generate.
func New(path davpath.Path, user, token string, now time.Time) *Lock {
	return &Lock{
		Path:      path,
		User:      user,
		Token:     token,
		Kind:      KindWrite,
		Scope:     ScopeExclusive,
		Depth:     DepthInfinity,
		CreatedAt: now,
	}
}

// Individual reports whether the lock protects its own node only.
func (l *Lock) Individual() bool {
	return l.Depth == DepthZero
}

// Exclusive reports whether the lock has exclusive scope.
func (l *Lock) Exclusive() bool {
	return l.Scope == ScopeExclusive
}

// ExpiresAt returns the instant the lock times out.
func (l *Lock) ExpiresAt() time.Time {
	return l.CreatedAt.Add(l.Timeout)
}

// Remaining returns the time left before expiry, never negative.
func (l *Lock) Remaining(now time.Time) time.Duration {
	left := l.ExpiresAt().Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the lock has timed out at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}

// Covers reports whether the lock applies to p, either explicitly or by
// depth-infinity inheritance.
func (l *Lock) Covers(p davpath.Path) bool {
	if l.Path.Equal(p) {
		return true
	}
	return l.Depth == DepthInfinity && l.Path.IsAncestorOf(p)
}

// Clone returns a copy that can be mutated without affecting the original.
func (l *Lock) Clone() *Lock {
	c := *l
	return &c
}

// NewToken returns a fresh, unguessable lock token.
func NewToken() string {
	return "urn:uuid:" + uuid.NewString()
}

// StripToken removes the angle brackets of the Lock-Token wire form. Exactly
// one leading and one trailing character are dropped.
func StripToken(ref string) (string, error) {
	if len(ref) < 2 {
		return "", fmt.Errorf("malformed lock token %q: %w", ref, daverrors.ErrBadRequest)
	}
	token := ref[1 : len(ref)-1]
	if token == "" {
		return "", fmt.Errorf("empty lock token: %w", daverrors.ErrBadRequest)
	}
	return token, nil
}
