package config

import (
	"context"
	"io"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/service/storage"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Storage holds CLI flags for the raw upload store
type Storage struct {
	dir    string
	bucket string
	prefix string
}

// Flags returns CLI flags for storage configuration
func (s *Storage) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "storage-dir",
			Usage:       "Keep raw uploads in this local directory",
			Category:    "Storage",
			Sources:     cli.EnvVars("ONBOARDER_STORAGE_DIR"),
			Destination: &s.dir,
		},
		&cli.StringFlag{
			Name:        "storage-bucket",
			Usage:       "Keep raw uploads in this Cloud Storage bucket",
			Category:    "Storage",
			Sources:     cli.EnvVars("ONBOARDER_STORAGE_BUCKET"),
			Destination: &s.bucket,
		},
		&cli.StringFlag{
			Name:        "storage-prefix",
			Usage:       "Object name prefix in the Cloud Storage bucket",
			Category:    "Storage",
			Sources:     cli.EnvVars("ONBOARDER_STORAGE_PREFIX"),
			Destination: &s.prefix,
		},
	}
}

// LogAttrs returns log attributes for the storage configuration
func (s *Storage) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("dir", s.dir),
		slog.String("bucket", s.bucket),
		slog.String("prefix", s.prefix),
	}
}

// Configure returns the blob store, or nil when raw uploads are not kept.
// The returned closer is never nil.
func (s *Storage) Configure(ctx context.Context) (interfaces.BlobStore, func(), error) {
	noop := func() {}

	switch {
	case s.dir != "" && s.bucket != "":
		return nil, noop, goerr.Wrap(ErrInvalidConfig, "storage-dir and storage-bucket are exclusive")

	case s.bucket != "":
		store, err := storage.NewGCS(ctx, s.bucket, s.prefix)
		if err != nil {
			return nil, noop, goerr.Wrap(err, "failed to initialize Cloud Storage", goerr.V("bucket", s.bucket))
		}
		logging.From(ctx).Info("Keeping raw uploads in Cloud Storage", "bucket", s.bucket, "prefix", s.prefix)
		return store, closer(ctx, store), nil

	case s.dir != "":
		store, err := storage.NewLocal(s.dir)
		if err != nil {
			return nil, noop, goerr.Wrap(err, "failed to initialize local storage", goerr.V("dir", s.dir))
		}
		logging.From(ctx).Info("Keeping raw uploads in local directory", "dir", s.dir)
		return store, noop, nil

	default:
		return nil, noop, nil
	}
}

func closer(ctx context.Context, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			logging.From(ctx).Warn("failed to close", logging.ErrAttr(err))
		}
	}
}
