// Package memfs is an in-memory resource.FileSystem. It backs the tests and
// the smoke tool; nothing is persisted.
package memfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
	"github.com/mirkobrombin/go-dav/v1/resource"
)

type node struct {
	collection   bool
	data         []byte
	created      time.Time
	modified     time.Time
	etag         string
	contentType  string
	resourceType string
}

func (n *node) clone() *node {
	c := *n
	c.data = append([]byte(nil), n.data...)
	return &c
}

// FS is a tree of nodes keyed by their canonical path. The root always
// exists and is a collection.
type FS struct {
	mu    sync.RWMutex
	nodes map[string]*node
	now   func() time.Time
}

// Option configures an FS.
type Option func(*FS)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(fs *FS) {
		if now != nil {
			fs.now = now
		}
	}
}

// New returns an empty FS.
func New(opts ...Option) *FS {
	fs := &FS{nodes: make(map[string]*node), now: time.Now}
	for _, opt := range opts {
		opt(fs)
	}
	t := fs.now()
	fs.nodes["/"] = &node{collection: true, created: t, modified: t}
	return fs
}

// Open implements resource.FileSystem.
func (fs *FS) Open(p davpath.Path) resource.Backend {
	return &file{fs: fs, path: p}
}

// Mkdir creates the collection p and any missing ancestors.
func (fs *FS) Mkdir(p davpath.Path) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, anc := range append(p.Ancestors(), p) {
		n, ok := fs.nodes[anc.String()]
		if ok && !n.collection {
			return fmt.Errorf("%s is not a collection: %w", anc, daverrors.ErrConflict)
		}
		if !ok {
			t := fs.now()
			fs.nodes[anc.String()] = &node{collection: true, created: t, modified: t}
		}
	}
	return nil
}

// WriteFile stores data at p, creating missing ancestors.
func (fs *FS) WriteFile(p davpath.Path, data []byte) error {
	if parent, ok := p.Parent(); ok {
		if err := fs.Mkdir(parent); err != nil {
			return err
		}
	}
	return fs.Open(p).Put(context.Background(), bytes.NewReader(data))
}

// lookup must be called with fs.mu held.
func (fs *FS) lookup(p davpath.Path) (*node, bool) {
	n, ok := fs.nodes[p.String()]
	return n, ok
}

// subtree returns the keys of p and all of its descendants. Must be called
// with fs.mu held.
func (fs *FS) subtree(p davpath.Path) []string {
	root := p.String()
	prefix := root + "/"
	if p.IsRoot() {
		prefix = "/"
	}
	var keys []string
	for k := range fs.nodes {
		if k == root || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (fs *FS) parentIsCollection(p davpath.Path) bool {
	parent, ok := p.Parent()
	if !ok {
		return true
	}
	n, ok := fs.lookup(parent)
	return ok && n.collection
}

func etagFor(n *node) string {
	return fmt.Sprintf(`"%x-%x"`, n.modified.UnixNano(), len(n.data))
}

type file struct {
	fs   *FS
	path davpath.Path
}

func (f *file) notFound() error {
	return fmt.Errorf("%s: %w", f.path, daverrors.ErrNotFound)
}

// read runs fn on the node under the read lock.
func (f *file) read(fn func(n *node) error) error {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	n, ok := f.fs.lookup(f.path)
	if !ok {
		return f.notFound()
	}
	return fn(n)
}

// write runs fn on the node under the write lock.
func (f *file) write(fn func(n *node) error) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	n, ok := f.fs.lookup(f.path)
	if !ok {
		return f.notFound()
	}
	return fn(n)
}

func (f *file) Exists(ctx context.Context) (bool, error) {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	_, ok := f.fs.lookup(f.path)
	return ok, nil
}

func (f *file) IsCollection(ctx context.Context) (bool, error) {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	n, ok := f.fs.lookup(f.path)
	return ok && n.collection, nil
}

func (f *file) CreationDate(ctx context.Context) (t time.Time, err error) {
	err = f.read(func(n *node) error {
		t = n.created
		return nil
	})
	return t, err
}

func (f *file) LastModified(ctx context.Context) (t time.Time, err error) {
	err = f.read(func(n *node) error {
		t = n.modified
		return nil
	})
	return t, err
}

func (f *file) SetLastModified(ctx context.Context, t time.Time) error {
	return f.write(func(n *node) error {
		n.modified = t
		return nil
	})
}

func (f *file) ETag(ctx context.Context) (etag string, err error) {
	err = f.read(func(n *node) error {
		etag = n.etag
		if etag == "" && !n.collection {
			etag = etagFor(n)
		}
		return nil
	})
	return etag, err
}

func (f *file) SetETag(ctx context.Context, etag string) error {
	return f.write(func(n *node) error {
		n.etag = etag
		return nil
	})
}

func (f *file) ContentType(ctx context.Context) (ct string, err error) {
	err = f.read(func(n *node) error {
		ct = n.contentType
		return nil
	})
	return ct, err
}

func (f *file) SetContentType(ctx context.Context, ct string) error {
	return f.write(func(n *node) error {
		n.contentType = ct
		return nil
	})
}

func (f *file) ContentLength(ctx context.Context) (size int64, err error) {
	err = f.read(func(n *node) error {
		size = int64(len(n.data))
		return nil
	})
	return size, err
}

func (f *file) SetResourceType(ctx context.Context, rt string) error {
	return f.write(func(n *node) error {
		n.resourceType = rt
		return nil
	})
}

// ResourceType implements resource.ResourceTyper so that a value set through
// SetResourceType is reported back.
func (f *file) ResourceType(ctx context.Context) (rt string, err error) {
	err = f.read(func(n *node) error {
		switch {
		case n.resourceType != "":
			rt = n.resourceType
		case n.collection:
			rt = resource.CollectionType
		}
		return nil
	})
	return rt, err
}

func (f *file) Get(ctx context.Context, w io.Writer) error {
	var data []byte
	err := f.read(func(n *node) error {
		if n.collection {
			return fmt.Errorf("%s is a collection: %w", f.path, daverrors.ErrNotSupported)
		}
		data = n.data
		return nil
	})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (f *file) store(ctx context.Context, r io.Reader, appendData bool) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if !f.fs.parentIsCollection(f.path) {
		return fmt.Errorf("parent of %s missing: %w", f.path, daverrors.ErrConflict)
	}
	now := f.fs.now()
	n, ok := f.fs.lookup(f.path)
	if !ok {
		n = &node{created: now}
		f.fs.nodes[f.path.String()] = n
	}
	if n.collection {
		return fmt.Errorf("%s is a collection: %w", f.path, daverrors.ErrNotSupported)
	}
	if appendData {
		n.data = append(n.data, data...)
	} else {
		n.data = data
	}
	n.modified = now
	n.etag = ""
	return nil
}

func (f *file) Put(ctx context.Context, r io.Reader) error {
	return f.store(ctx, r, false)
}

func (f *file) Post(ctx context.Context, r io.Reader) error {
	return f.store(ctx, r, true)
}

func (f *file) Delete(ctx context.Context) error {
	if f.path.IsRoot() {
		return fmt.Errorf("cannot delete the root: %w", daverrors.ErrForbidden)
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if _, ok := f.fs.lookup(f.path); !ok {
		return f.notFound()
	}
	for _, k := range f.fs.subtree(f.path) {
		delete(f.fs.nodes, k)
	}
	return nil
}

func (f *file) transfer(dest davpath.Path, move bool) error {
	if f.path.Contains(dest) || dest.Contains(f.path) {
		return fmt.Errorf("%s and %s overlap: %w", f.path, dest, daverrors.ErrForbidden)
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if _, ok := f.fs.lookup(f.path); !ok {
		return f.notFound()
	}
	if !f.fs.parentIsCollection(dest) {
		return fmt.Errorf("parent of %s missing: %w", dest, daverrors.ErrConflict)
	}
	for _, k := range f.fs.subtree(dest) {
		delete(f.fs.nodes, k)
	}
	for _, k := range f.fs.subtree(f.path) {
		rel, _ := davpath.Parse(k).TrimPrefix(f.path)
		f.fs.nodes[dest.Join(rel).String()] = f.fs.nodes[k].clone()
		if move {
			delete(f.fs.nodes, k)
		}
	}
	return nil
}

func (f *file) Copy(ctx context.Context, dest davpath.Path) error {
	return f.transfer(dest, false)
}

func (f *file) Move(ctx context.Context, dest davpath.Path) error {
	return f.transfer(dest, true)
}

func (f *file) MakeCollection(ctx context.Context) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if _, ok := f.fs.lookup(f.path); ok {
		return fmt.Errorf("%s already exists: %w", f.path, daverrors.ErrNotSupported)
	}
	if !f.fs.parentIsCollection(f.path) {
		return fmt.Errorf("parent of %s missing: %w", f.path, daverrors.ErrConflict)
	}
	t := f.fs.now()
	f.fs.nodes[f.path.String()] = &node{collection: true, created: t, modified: t}
	return nil
}

func (f *file) Children(ctx context.Context) ([]string, error) {
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	n, ok := f.fs.lookup(f.path)
	if !ok {
		return nil, f.notFound()
	}
	if !n.collection {
		return nil, fmt.Errorf("%s is not a collection: %w", f.path, daverrors.ErrNotSupported)
	}
	depth := f.path.Len() + 1
	var names []string
	for k := range f.fs.nodes {
		p := davpath.Parse(k)
		if p.Len() == depth && f.path.IsAncestorOf(p) {
			names = append(names, p.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

var (
	_ resource.FileSystem    = (*FS)(nil)
	_ resource.ResourceTyper = (*file)(nil)
)
