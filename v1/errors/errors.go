// Package errors defines the error taxonomy shared by the resource contract,
// the lock manager and the lock stores, and maps it to HTTP status codes for
// the transport layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var (
	// ErrNotImplemented is returned by contract methods a backend did not
	// provide. It is a programming error, not a protocol outcome.
	ErrNotImplemented = errors.New("dav: not implemented")
	// ErrNotSupported is returned for operations that make no sense on the
	// resource, such as listing the members of a non-collection.
	ErrNotSupported = errors.New("dav: not supported")
	// ErrConflict is returned when the parent is missing, a property value is
	// malformed or a lock token does not cover the target.
	ErrConflict = errors.New("dav: conflict")
	// ErrLocked is returned when a lock request violates exclusivity.
	ErrLocked = errors.New("dav: locked")
	// ErrForbidden is returned for unlock by a non-owner and property removal.
	ErrForbidden = errors.New("dav: forbidden")
	// ErrBadRequest is returned for malformed input such as an empty token.
	ErrBadRequest = errors.New("dav: bad request")
	// ErrNotFound is returned by backends for missing resources.
	ErrNotFound = errors.New("dav: not found")
	// ErrPrefixMismatch is returned when a public path lies outside the mount.
	ErrPrefixMismatch = errors.New("dav: prefix mismatch")
	// ErrRecursionTooDeep is returned when a traversal exceeds its depth bound.
	ErrRecursionTooDeep = errors.New("dav: recursion too deep")
	// ErrTimeout is returned when a store or mutex call exceeds its deadline.
	ErrTimeout = errors.New("dav: timeout")
	// ErrConnectionClosed is returned when a store or bus connection is closed.
	ErrConnectionClosed = errors.New("dav: connection closed")
)

// LockFailure aggregates the per-path failures of a single lock request. A
// depth-infinity lock covers a whole subtree, so each covered path may fail
// on its own.
type LockFailure struct {
	Path     string
	Statuses map[string]error
}

// NewLockFailure returns an empty failure for the requested path.
func NewLockFailure(path string) *LockFailure {
	return &LockFailure{Path: path, Statuses: make(map[string]error)}
}

// Add records err for path. A later failure for the same path replaces the
// earlier one.
func (f *LockFailure) Add(path string, err error) {
	if f.Statuses == nil {
		f.Statuses = make(map[string]error)
	}
	f.Statuses[path] = err
}

// Len returns the number of failed paths.
func (f *LockFailure) Len() int {
	return len(f.Statuses)
}

func (f *LockFailure) Error() string {
	paths := make([]string, 0, len(f.Statuses))
	for p := range f.Statuses {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	parts := make([]string, 0, len(paths))
	for _, p := range paths {
		parts = append(parts, fmt.Sprintf("%s: %v", p, f.Statuses[p]))
	}
	return fmt.Sprintf("dav: failed to lock %s (%s)", f.Path, strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (f *LockFailure) Unwrap() []error {
	out := make([]error, 0, len(f.Statuses))
	for _, err := range f.Statuses {
		out = append(out, err)
	}
	return out
}

// HTTPStatus maps err to the status code the transport should answer with.
// A nil error maps to 200; operations with a different success code, such as
// UNLOCK, return that code themselves.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var failure *LockFailure
	switch {
	case errors.As(err, &failure):
		return http.StatusMultiStatus
	case errors.Is(err, ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, ErrNotSupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrLocked):
		return http.StatusLocked
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrPrefixMismatch):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
