package storage_test

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/service/storage"
)

var (
	_ interfaces.BlobStore = (*storage.Local)(nil)
	_ interfaces.BlobStore = (*storage.GCS)(nil)
)

func runBlobStoreTest(t *testing.T, store interfaces.BlobStore) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		gt.NoError(t, store.Put(ctx, "doc-1.md", strings.NewReader("# Handbook"))).Required()

		r, err := store.Get(ctx, "doc-1.md")
		gt.NoError(t, err).Required()
		defer r.Close()
		data, err := io.ReadAll(r)
		gt.NoError(t, err).Required()
		gt.Value(t, string(data)).Equal("# Handbook")
	})

	t.Run("overwrite", func(t *testing.T) {
		gt.NoError(t, store.Put(ctx, "doc-2.txt", strings.NewReader("v1"))).Required()
		gt.NoError(t, store.Put(ctx, "doc-2.txt", strings.NewReader("v2"))).Required()

		r, err := store.Get(ctx, "doc-2.txt")
		gt.NoError(t, err).Required()
		defer r.Close()
		data, err := io.ReadAll(r)
		gt.NoError(t, err).Required()
		gt.Value(t, string(data)).Equal("v2")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := store.Get(ctx, "nope.txt")
		gt.Error(t, err).Is(storage.ErrObjectNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		gt.NoError(t, store.Put(ctx, "doc-3.txt", strings.NewReader("x"))).Required()
		gt.NoError(t, store.Delete(ctx, "doc-3.txt"))
		gt.NoError(t, store.Delete(ctx, "doc-3.txt"))
		_, err := store.Get(ctx, "doc-3.txt")
		gt.Error(t, err).Is(storage.ErrObjectNotFound)
	})
}

func TestLocal(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	gt.NoError(t, err).Required()
	runBlobStoreTest(t, store)

	t.Run("rejects path keys", func(t *testing.T) {
		gt.Error(t, store.Put(context.Background(), "../escape", strings.NewReader("x")))
		gt.Error(t, store.Put(context.Background(), "", strings.NewReader("x")))
	})
}

func TestGCS(t *testing.T) {
	bucket, ok := os.LookupEnv("TEST_GCS_BUCKET")
	if !ok {
		t.Skip("TEST_GCS_BUCKET is not set")
	}

	store, err := storage.NewGCS(context.Background(), bucket, "onboarder-test/"+t.Name())
	gt.NoError(t, err).Required()
	defer store.Close()
	runBlobStoreTest(t, store)
}
