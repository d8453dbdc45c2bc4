// Package objectstore defines the artifact store contract. Stores accept overwrites of an
// existing key, so a redelivered job uploading the same artifact twice is harmless.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Reader.Get when no object exists under the key yet.
var ErrNotFound = errors.New("object not found")

// ArchiveContentType is the content type artifacts are uploaded with.
const ArchiveContentType = "application/gzip"

// Store persists artifacts by key.
type Store interface {
	// Put writes the object and returns a store-specific URI for logging.
	Put(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// Reader reads artifacts back. Only stores served by the gateway itself implement it.
type Reader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Signer mints capability URLs for keys that may not exist yet.
type Signer interface {
	SignURL(ctx context.Context, key string, expires time.Time) (string, error)
}
