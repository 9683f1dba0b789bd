package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

// Request carries the parameters of a LOCK method.
type Request struct {
	Scope Scope
	// Kind is the lock type; empty means KindWrite.
	Kind  string
	Depth Depth
	// Owner is the opaque owner descriptor supplied by the client.
	Owner string
	// Timeout is the requested timeout. Zero means none was requested and a
	// negative value stands for "Infinite".
	Timeout time.Duration
}

func (r Request) kind() string {
	if r.Kind == "" {
		return KindWrite
	}
	return r.Kind
}

func (r Request) validate() error {
	switch r.Scope {
	case ScopeExclusive, ScopeShared:
	default:
		return fmt.Errorf("invalid lock scope %q: %w", r.Scope, daverrors.ErrBadRequest)
	}
	switch r.Depth {
	case DepthZero, DepthInfinity:
	default:
		return fmt.Errorf("invalid lock depth %d: %w", int(r.Depth), daverrors.ErrBadRequest)
	}
	return nil
}

// Target is the node a lock request is made against.
type Target interface {
	// Path is the internal path lock records are keyed by.
	Path() davpath.Path
	// PublicPath is the path as the caller addressed it. Failures are
	// reported against it.
	PublicPath() davpath.Path
	// ParentExists probes the parent node. It is true at the root.
	ParentExists(ctx context.Context) (bool, error)
}
