// Package storage defines the [Store] interface used to persist exported
// recordings. It abstracts the backend so the exporter can swap between
// local disk and S3-compatible object stores without changing its code.
package storage

import (
	"context"
	"io"
)

// Store is a minimal object store.
//
// Keys are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type Store interface {
	// Name identifies the backend in logs and metrics (e.g., "s3", "local").
	Name() string

	// Put stores body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Get opens the object stored under key. The caller must close it.
	// If the key does not exist, an error wrapping os.ErrNotExist is returned.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key. Deleting a missing key returns nil.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backend is reachable. It backs the readiness probe.
	Ping(ctx context.Context) error
}
