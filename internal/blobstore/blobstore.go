// Package blobstore defines the object store contract the workflow calls
// for uploaded originals and step outputs. Keys are slash-separated paths;
// step outputs always land under fresh, job-scoped keys, so blob writes
// never conflict.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound signals a missing object.
var ErrNotFound = errors.New("object not found")

// Metadata carries small string attributes stored alongside an object.
type Metadata map[string]string

// Info describes a stored object.
type Info struct {
	Key       string
	SizeBytes int64
	Metadata  Metadata
}

// Store is the object store collaborator.
type Store interface {
	// Put writes data under key, overwriting any previous object, and
	// returns the stored key.
	Put(ctx context.Context, key string, data []byte, metadata Metadata) (string, error)

	// Get returns the object bytes for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns object metadata without the payload, or ErrNotFound.
	Head(ctx context.Context, key string) (Info, error)

	// Delete removes the object. Deleting a missing object is not an error;
	// cleanup after failure must be idempotent.
	Delete(ctx context.Context, key string) error
}
