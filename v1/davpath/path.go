// Package davpath provides the normalized path type used to address WebDAV
// resources and lock records. A Path is an ordered sequence of non-empty
// segments; the root is the empty sequence.
package davpath

import (
	"path"
	"strings"
)

// Path is an absolute, normalized resource path. The zero value is the root.
type Path struct {
	segments []string
}

// Root returns the root path.
func Root() Path {
	return Path{}
}

// Parse normalizes s the way path.Clean("/"+s) does and splits it into
// segments. Duplicate separators and "." are dropped, ".." pops a segment.
func Parse(s string) Path {
	if s == "" || s[0] != '/' {
		s = "/" + s
	}
	s = path.Clean(s)
	if s == "/" {
		return Path{}
	}
	return Path{segments: strings.Split(s[1:], "/")}
}

// New builds a path from already split segments, skipping empty ones.
func New(segments ...string) Path {
	return Parse(strings.Join(segments, "/"))
}

// String renders the path with a leading slash and no trailing slash.
func (p Path) String() string {
	if len(p.segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.segments, "/")
}

// Segments returns a copy of the path segments.
func (p Path) Segments() []string {
	return append([]string(nil), p.segments...)
}

// Len returns the number of segments.
func (p Path) Len() int {
	return len(p.segments)
}

// IsRoot reports whether p is the root path.
func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}

// Name returns the final segment, or "" for the root.
func (p Path) Name() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent strips the last segment. It returns false when p is the root.
func (p Path) Parent() (Path, bool) {
	if len(p.segments) == 0 {
		return Path{}, false
	}
	return Path{segments: p.segments[: len(p.segments)-1 : len(p.segments)-1]}, true
}

// Child appends name to p. The name is normalized, so "a/b", "/a/b/" and
// "a//b" all append two segments. An empty name returns p unchanged.
func (p Path) Child(name string) Path {
	return p.Join(Parse(name))
}

// Join appends the segments of other to p.
func (p Path) Join(other Path) Path {
	if len(other.segments) == 0 {
		return p
	}
	segs := make([]string, 0, len(p.segments)+len(other.segments))
	segs = append(segs, p.segments...)
	segs = append(segs, other.segments...)
	return Path{segments: segs}
}

// Equal reports whether p and other denote the same node.
func (p Path) Equal(other Path) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// IsAncestorOf reports whether p is a strict ancestor of other.
func (p Path) IsAncestorOf(other Path) bool {
	if len(p.segments) >= len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// Contains reports whether other is p itself or one of its descendants.
func (p Path) Contains(other Path) bool {
	return p.Equal(other) || p.IsAncestorOf(other)
}

// Ancestors returns every strict ancestor of p, root first.
func (p Path) Ancestors() []Path {
	out := make([]Path, 0, len(p.segments))
	for i := 0; i < len(p.segments); i++ {
		out = append(out, Path{segments: p.segments[:i:i]})
	}
	return out
}

// TrimPrefix removes prefix from p. It returns false when p is not equal to
// or below prefix.
func (p Path) TrimPrefix(prefix Path) (Path, bool) {
	if !prefix.Contains(p) {
		return Path{}, false
	}
	return Path{segments: p.segments[len(prefix.segments):]}, true
}

// MarshalText implements encoding.TextMarshaler.
func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Path) UnmarshalText(text []byte) error {
	*p = Parse(string(text))
	return nil
}
