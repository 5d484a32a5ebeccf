// Package media holds size limits for file transfers and the storage
// contract for local copies of files that could not reach a drive space.
package media

import (
	"context"
	"io"
)

// StorageProvider keeps fallback copies reachable over HTTP.
type StorageProvider interface {
	Put(ctx context.Context, key string, reader io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// AccessPath returns the public URL under which key is served.
	AccessPath(key string) string
}
