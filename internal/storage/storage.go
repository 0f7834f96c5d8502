// Package storage holds the physical backends ContentBlobs are written to
package storage

import (
	"context"
	"errors"
)

var ErrUninitialized = errors.New("storage backend uninitialized")

// Object is a local file that should end up under Key
type Object struct {
	Key         string
	SourcePath  string
	ContentType string
}

// Location describes where an object was written
type Location struct {
	Key  string
	Path string
}

// Backend stores objects by key. Put either stores every object or none of
// them; Delete ignores keys that don't exist.
type Backend interface {
	Put(ctx context.Context, objs ...Object) ([]Location, error)
	Delete(ctx context.Context, keys ...string) error
	Name() string
}
