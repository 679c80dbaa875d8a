package storage

import (
	"context"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/utils/safe"
	"google.golang.org/api/option"
)

// GCS stores blobs as objects in a Cloud Storage bucket
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a Cloud Storage backed blob store. prefix is prepended to every key.
func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	if bucket == "" {
		return nil, goerr.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage client", goerr.V("bucket", bucket))
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCS{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCS) object(key string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(g.prefix + key)
}

// Put uploads r as a new object generation
func (g *GCS) Put(ctx context.Context, key string, r io.Reader) error {
	w := g.object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		safe.Close(ctx, w)
		return goerr.Wrap(err, "failed to upload object", goerr.V("bucket", g.bucket), goerr.V("key", key))
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize object", goerr.V("bucket", g.bucket), goerr.V("key", key))
	}
	return nil
}

// Get opens a reader on the object
func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(ErrObjectNotFound, "object not found", goerr.V("bucket", g.bucket), goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to read object", goerr.V("bucket", g.bucket), goerr.V("key", key))
	}
	return r, nil
}

// Delete removes the object. Missing objects are not an error.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if err := g.object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return goerr.Wrap(err, "failed to delete object", goerr.V("bucket", g.bucket), goerr.V("key", key))
	}
	return nil
}

// Close releases the underlying client
func (g *GCS) Close() error {
	return g.client.Close()
}
