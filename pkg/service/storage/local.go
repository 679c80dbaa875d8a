package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/utils/safe"
)

// Local stores blobs as files under a base directory
type Local struct {
	dir string
}

// NewLocal creates the base directory if needed
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, goerr.Wrap(err, "failed to create blob directory", goerr.V("dir", dir))
	}
	return &Local{dir: dir}, nil
}

func (l *Local) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", goerr.New("invalid blob key", goerr.V("key", key))
	}
	return filepath.Join(l.dir, key), nil
}

// Put writes r to a temp file and renames it into place
func (l *Local) Put(ctx context.Context, key string, r io.Reader) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(l.dir, ".upload-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp file", goerr.V("key", key))
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		safe.Close(ctx, tmp)
		return goerr.Wrap(err, "failed to write blob", goerr.V("key", key))
	}
	if err := tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close blob", goerr.V("key", key))
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return goerr.Wrap(err, "failed to store blob", goerr.V("key", key))
	}
	return nil
}

// Get opens the stored blob
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, goerr.Wrap(ErrObjectNotFound, "blob not found", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to open blob", goerr.V("key", key))
	}
	return f, nil
}

// Delete removes the blob. Missing blobs are not an error.
func (l *Local) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return goerr.Wrap(err, "failed to delete blob", goerr.V("key", key))
	}
	return nil
}
