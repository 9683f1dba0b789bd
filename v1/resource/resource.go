package resource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/lock"
)

// DefaultMaxDepth bounds Walk and Descendants.
const DefaultMaxDepth = 1000

// CollectionType is the resourcetype of a collection.
const CollectionType = "collection"

// Options is the configuration snapshot shared by the resources of one
// deployment. It is not modified after construction.
type Options struct {
	// Locks handles LOCK and UNLOCK. Lock operations fail with
	// ErrNotSupported when it is nil.
	Locks *lock.Manager
	// PublicRoot is the prefix public paths are mounted under.
	PublicRoot davpath.Path
	// DeleteDotfiles removes a resource whose name starts with "." once it
	// is unlocked.
	DeleteDotfiles bool
	// MaxDepth bounds hierarchy traversal. Zero means DefaultMaxDepth.
	MaxDepth int
	Logger   *slog.Logger
}

func (o Options) maxDepth() int {
	if o.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

func (o Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Resource is one node of the hierarchy as seen by a single request. It
// holds no state of its own besides its paths; everything else is read live
// from the backend or the lock manager.
type Resource struct {
	fs      FileSystem
	backend Backend
	path    davpath.Path
	public  davpath.Path
	request any
	opts    Options
}

// Open returns the resource addressed by publicPath. It fails with
// ErrPrefixMismatch when publicPath lies outside opts.PublicRoot. request is
// carried along untouched.
func Open(fs FileSystem, publicPath string, request any, opts Options) (*Resource, error) {
	public := davpath.Parse(publicPath)
	internal, ok := public.TrimPrefix(opts.PublicRoot)
	if !ok {
		return nil, fmt.Errorf("%s not under %s: %w", public, opts.PublicRoot, daverrors.ErrPrefixMismatch)
	}
	return newResource(fs, internal, request, opts), nil
}

// New returns the resource at the internal path p.
func New(fs FileSystem, p davpath.Path, request any, opts Options) *Resource {
	return newResource(fs, p, request, opts)
}

func newResource(fs FileSystem, p davpath.Path, request any, opts Options) *Resource {
	return &Resource{
		fs:      fs,
		backend: fs.Open(p),
		path:    p,
		public:  opts.PublicRoot.Join(p),
		request: request,
		opts:    opts,
	}
}

// Path returns the internal path.
func (r *Resource) Path() davpath.Path { return r.path }

// PublicPath returns the path as addressed by the caller.
func (r *Resource) PublicPath() davpath.Path { return r.public }

// Request returns the opaque request value the resource was opened with.
func (r *Resource) Request() any { return r.request }

// Backend returns the storage backend of the resource.
func (r *Resource) Backend() Backend { return r.backend }

// Name returns the last path segment, empty at the root.
func (r *Resource) Name() string { return r.path.Name() }

// DisplayName returns the name shown to clients.
func (r *Resource) DisplayName() string { return r.Name() }

// ResourceType returns CollectionType for collections and "" otherwise,
// unless the backend implements ResourceTyper.
func (r *Resource) ResourceType(ctx context.Context) (string, error) {
	if rt, ok := r.backend.(ResourceTyper); ok {
		return rt.ResourceType(ctx)
	}
	coll, err := r.backend.IsCollection(ctx)
	if err != nil || !coll {
		return "", err
	}
	return CollectionType, nil
}

// Child returns the member called name. Its existence is not checked.
func (r *Resource) Child(name string) *Resource {
	return newResource(r.fs, r.path.Child(name), r.request, r.opts)
}

// Parent returns the enclosing collection. The boolean is false at the root.
func (r *Resource) Parent() (*Resource, bool) {
	p, ok := r.path.Parent()
	if !ok {
		return nil, false
	}
	return newResource(r.fs, p, r.request, r.opts), true
}

// ParentExists reports whether the enclosing collection exists. It is true
// at the root.
func (r *Resource) ParentExists(ctx context.Context) (bool, error) {
	parent, ok := r.Parent()
	if !ok {
		return true, nil
	}
	return parent.Exists(ctx)
}

// Children returns the direct members. It fails with ErrNotSupported when
// the resource is not a collection.
func (r *Resource) Children(ctx context.Context) ([]*Resource, error) {
	coll, err := r.backend.IsCollection(ctx)
	if err != nil {
		return nil, err
	}
	if !coll {
		return nil, fmt.Errorf("%s is not a collection: %w", r.public, daverrors.ErrNotSupported)
	}
	names, err := r.backend.Children(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Resource, 0, len(names))
	for _, name := range names {
		out = append(out, r.Child(name))
	}
	return out, nil
}

// Walk calls fn for every descendant in pre-order: each child, then its own
// descendants. Non-collections have no descendants. Walk fails with
// ErrRecursionTooDeep once the depth exceeds Options.MaxDepth.
func (r *Resource) Walk(ctx context.Context, fn func(*Resource) error) error {
	return r.walk(ctx, 1, fn)
}

func (r *Resource) walk(ctx context.Context, depth int, fn func(*Resource) error) error {
	coll, err := r.backend.IsCollection(ctx)
	if err != nil || !coll {
		return err
	}
	children, err := r.Children(ctx)
	if err != nil {
		return err
	}
	if len(children) > 0 && depth > r.opts.maxDepth() {
		return fmt.Errorf("%s: %w", r.public, daverrors.ErrRecursionTooDeep)
	}
	for _, c := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c); err != nil {
			return err
		}
		if err := c.walk(ctx, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Descendants returns the flattened pre-order result of Walk.
func (r *Resource) Descendants(ctx context.Context) ([]*Resource, error) {
	var out []*Resource
	err := r.Walk(ctx, func(d *Resource) error {
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resource) Exists(ctx context.Context) (bool, error) {
	return r.backend.Exists(ctx)
}

func (r *Resource) IsCollection(ctx context.Context) (bool, error) {
	return r.backend.IsCollection(ctx)
}

func (r *Resource) CreationDate(ctx context.Context) (time.Time, error) {
	return r.backend.CreationDate(ctx)
}

func (r *Resource) LastModified(ctx context.Context) (time.Time, error) {
	return r.backend.LastModified(ctx)
}

func (r *Resource) ETag(ctx context.Context) (string, error) {
	return r.backend.ETag(ctx)
}

func (r *Resource) ContentType(ctx context.Context) (string, error) {
	return r.backend.ContentType(ctx)
}

func (r *Resource) ContentLength(ctx context.Context) (int64, error) {
	return r.backend.ContentLength(ctx)
}

func (r *Resource) Get(ctx context.Context, w io.Writer) error {
	return r.backend.Get(ctx, w)
}

func (r *Resource) Put(ctx context.Context, body io.Reader) error {
	return r.backend.Put(ctx, body)
}

func (r *Resource) Post(ctx context.Context, body io.Reader) error {
	return r.backend.Post(ctx, body)
}

func (r *Resource) Delete(ctx context.Context) error {
	return r.backend.Delete(ctx)
}

// Copy copies the resource to dest, which must come from the same
// FileSystem.
func (r *Resource) Copy(ctx context.Context, dest *Resource) error {
	return r.backend.Copy(ctx, dest.path)
}

// Move moves the resource to dest, which must come from the same
// FileSystem.
func (r *Resource) Move(ctx context.Context, dest *Resource) error {
	return r.backend.Move(ctx, dest.path)
}

func (r *Resource) MakeCollection(ctx context.Context) error {
	return r.backend.MakeCollection(ctx)
}

func (r *Resource) locks() (*lock.Manager, error) {
	if r.opts.Locks == nil {
		return nil, fmt.Errorf("locking disabled: %w", daverrors.ErrNotSupported)
	}
	return r.opts.Locks, nil
}

// Lock requests a lock on the resource for user and returns the remaining
// timeout and the lock token.
func (r *Resource) Lock(ctx context.Context, user string, req lock.Request) (time.Duration, string, error) {
	m, err := r.locks()
	if err != nil {
		return 0, "", err
	}
	return m.Lock(ctx, r, user, req)
}

// Unlock releases the lock referenced by ref, a Lock-Token header value.
// On success it returns http.StatusNoContent. A dotfile is deleted afterwards
// when Options.DeleteDotfiles is set.
func (r *Resource) Unlock(ctx context.Context, user, ref string) (int, error) {
	m, err := r.locks()
	if err != nil {
		return daverrors.HTTPStatus(err), err
	}
	if err := m.Unlock(ctx, r.path, user, ref); err != nil {
		return daverrors.HTTPStatus(err), err
	}
	if r.opts.DeleteDotfiles && strings.HasPrefix(r.Name(), ".") {
		if err := r.Delete(ctx); err != nil {
			return daverrors.HTTPStatus(err), err
		}
		r.opts.logger().Debug("dav: dotfile purged on unlock", "path", r.public.String(), "user", user)
	}
	return http.StatusNoContent, nil
}

// RefreshLock restarts the clock of the lock referenced by ref.
func (r *Resource) RefreshLock(ctx context.Context, user, ref string, timeout time.Duration) (time.Duration, error) {
	m, err := r.locks()
	if err != nil {
		return 0, err
	}
	return m.Refresh(ctx, r.path, user, ref, timeout)
}

// LockDiscovery returns the locks covering the resource.
func (r *Resource) LockDiscovery(ctx context.Context) ([]*lock.Lock, error) {
	m, err := r.locks()
	if err != nil {
		return nil, err
	}
	return m.Discover(ctx, r.path)
}

var _ lock.Target = (*Resource)(nil)
