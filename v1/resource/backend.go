// Package resource defines the capability contract a storage backend must
// satisfy to be exposed over WebDAV, and the Resource type that layers path
// navigation, property dispatch and lock handling on top of it.
package resource

import (
	"context"
	"io"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

// Backend is the storage side of one addressable node. Backends that do not
// support an operation embed Unimplemented for it.
type Backend interface {
	Exists(ctx context.Context) (bool, error)
	IsCollection(ctx context.Context) (bool, error)
	CreationDate(ctx context.Context) (time.Time, error)
	LastModified(ctx context.Context) (time.Time, error)
	SetLastModified(ctx context.Context, t time.Time) error
	ETag(ctx context.Context) (string, error)
	SetETag(ctx context.Context, etag string) error
	ContentType(ctx context.Context) (string, error)
	SetContentType(ctx context.Context, contentType string) error
	ContentLength(ctx context.Context) (int64, error)
	SetResourceType(ctx context.Context, resourceType string) error

	// Get writes the content to w.
	Get(ctx context.Context, w io.Writer) error
	// Put replaces the content with r, creating the node when missing.
	Put(ctx context.Context, r io.Reader) error
	// Post appends r to the content.
	Post(ctx context.Context, r io.Reader) error
	Delete(ctx context.Context) error
	Copy(ctx context.Context, dest davpath.Path) error
	Move(ctx context.Context, dest davpath.Path) error
	MakeCollection(ctx context.Context) error
	// Children returns the names of the direct members of a collection.
	Children(ctx context.Context) ([]string, error)
}

// ResourceTyper lets a backend report its own resource type instead of the
// one derived from IsCollection.
type ResourceTyper interface {
	ResourceType(ctx context.Context) (string, error)
}

// FileSystem resolves the backend of an internal path. Open must not fail
// for missing nodes; existence is probed through Backend.Exists.
type FileSystem interface {
	Open(p davpath.Path) Backend
}

// FileSystemFunc adapts a function to FileSystem.
type FileSystemFunc func(p davpath.Path) Backend

// Open implements FileSystem.
func (f FileSystemFunc) Open(p davpath.Path) Backend {
	return f(p)
}

// Unimplemented implements every Backend method by failing with
// ErrNotImplemented.
type Unimplemented struct{}

func (Unimplemented) Exists(context.Context) (bool, error) {
	return false, daverrors.ErrNotImplemented
}

func (Unimplemented) IsCollection(context.Context) (bool, error) {
	return false, daverrors.ErrNotImplemented
}

func (Unimplemented) CreationDate(context.Context) (time.Time, error) {
	return time.Time{}, daverrors.ErrNotImplemented
}

func (Unimplemented) LastModified(context.Context) (time.Time, error) {
	return time.Time{}, daverrors.ErrNotImplemented
}

func (Unimplemented) SetLastModified(context.Context, time.Time) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) ETag(context.Context) (string, error) {
	return "", daverrors.ErrNotImplemented
}

func (Unimplemented) SetETag(context.Context, string) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) ContentType(context.Context) (string, error) {
	return "", daverrors.ErrNotImplemented
}

func (Unimplemented) SetContentType(context.Context, string) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) ContentLength(context.Context) (int64, error) {
	return 0, daverrors.ErrNotImplemented
}

func (Unimplemented) SetResourceType(context.Context, string) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Get(context.Context, io.Writer) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Put(context.Context, io.Reader) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Post(context.Context, io.Reader) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Delete(context.Context) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Copy(context.Context, davpath.Path) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Move(context.Context, davpath.Path) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) MakeCollection(context.Context) error {
	return daverrors.ErrNotImplemented
}

func (Unimplemented) Children(context.Context) ([]string, error) {
	return nil, daverrors.ErrNotImplemented
}

var _ Backend = Unimplemented{}
