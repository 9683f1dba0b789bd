package resource

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	daverrors "github.com/mirkobrombin/go-dav/v1/errors"
)

// Property is the name of a live DAV property.
type Property string

const (
	CreationDate     Property = "creationdate"
	DisplayName      Property = "displayname"
	GetLastModified  Property = "getlastmodified"
	GetETag          Property = "getetag"
	ResourceTypeProp Property = "resourcetype"
	GetContentType   Property = "getcontenttype"
	GetContentLength Property = "getcontentlength"
)

// Properties lists the live properties in the order PROPFIND reports them.
var Properties = []Property{
	CreationDate,
	DisplayName,
	GetLastModified,
	GetETag,
	ResourceTypeProp,
	GetContentType,
	GetContentLength,
}

type accessor struct {
	get func(ctx context.Context, r *Resource) (string, error)
	// set is nil for read-only properties.
	set func(ctx context.Context, r *Resource, value string) error
}

var propertyTable = map[Property]accessor{
	CreationDate: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			t, err := r.CreationDate(ctx)
			if err != nil {
				return "", err
			}
			return t.UTC().Format(time.RFC3339), nil
		},
	},
	DisplayName: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			return r.DisplayName(), nil
		},
	},
	GetLastModified: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			t, err := r.LastModified(ctx)
			if err != nil {
				return "", err
			}
			return t.UTC().Format(http.TimeFormat), nil
		},
		set: func(ctx context.Context, r *Resource, value string) error {
			t, err := http.ParseTime(value)
			if err != nil {
				return fmt.Errorf("malformed getlastmodified %q: %w", value, daverrors.ErrConflict)
			}
			return r.backend.SetLastModified(ctx, t)
		},
	},
	GetETag: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			return r.ETag(ctx)
		},
		set: func(ctx context.Context, r *Resource, value string) error {
			return r.backend.SetETag(ctx, value)
		},
	},
	ResourceTypeProp: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			return r.ResourceType(ctx)
		},
		set: func(ctx context.Context, r *Resource, value string) error {
			return r.backend.SetResourceType(ctx, value)
		},
	},
	GetContentType: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			return r.ContentType(ctx)
		},
		set: func(ctx context.Context, r *Resource, value string) error {
			return r.backend.SetContentType(ctx, value)
		},
	},
	GetContentLength: {
		get: func(ctx context.Context, r *Resource) (string, error) {
			n, err := r.ContentLength(ctx)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(n, 10), nil
		},
	},
}

// GetProperty returns the value of the live property name. The boolean is
// false for names outside the live set.
func (r *Resource) GetProperty(ctx context.Context, name string) (string, bool, error) {
	acc, ok := propertyTable[Property(name)]
	if !ok {
		return "", false, nil
	}
	v, err := acc.get(ctx, r)
	if err != nil {
		return "", true, err
	}
	return v, true, nil
}

// SetProperty updates a settable live property. Unknown and read-only names
// are ignored.
func (r *Resource) SetProperty(ctx context.Context, name, value string) error {
	acc, ok := propertyTable[Property(name)]
	if !ok || acc.set == nil {
		return nil
	}
	return acc.set(ctx, r, value)
}

// RemoveProperty always fails: live properties cannot be removed.
func (r *Resource) RemoveProperty(ctx context.Context, name string) error {
	return fmt.Errorf("cannot remove %s: %w", name, daverrors.ErrForbidden)
}

// PropertyValues returns every live property, as for an allprop PROPFIND.
func (r *Resource) PropertyValues(ctx context.Context) (map[Property]string, error) {
	out := make(map[Property]string, len(Properties))
	for _, p := range Properties {
		v, err := propertyTable[p].get(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out[p] = v
	}
	return out, nil
}
