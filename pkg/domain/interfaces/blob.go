package interfaces

import (
	"context"
	"io"
)

// BlobStore keeps the raw bytes of uploaded files
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
