package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/repository/bolt"
	"github.com/secmon-lab/onboarder/pkg/repository/firestore"
	"github.com/secmon-lab/onboarder/pkg/repository/memory"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Repository backends
const (
	BackendMemory    = "memory"
	BackendBolt      = "bolt"
	BackendFirestore = "firestore"
)

// Repository holds CLI flags for repository backend configuration
type Repository struct {
	backend          string
	boltPath         string
	projectID        string
	databaseID       string
	collectionPrefix string
}

// Flags returns CLI flags for repository configuration
func (r *Repository) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "repository-backend",
			Usage:       "Repository backend type (memory, bolt or firestore)",
			Category:    "Repository",
			Value:       BackendMemory,
			Sources:     cli.EnvVars("ONBOARDER_REPOSITORY_BACKEND"),
			Destination: &r.backend,
		},
		&cli.StringFlag{
			Name:        "bolt-path",
			Usage:       "Database file for the bolt backend",
			Category:    "Repository",
			Value:       "onboarder.db",
			Sources:     cli.EnvVars("ONBOARDER_BOLT_PATH"),
			Destination: &r.boltPath,
		},
		&cli.StringFlag{
			Name:        "firestore-project-id",
			Usage:       "Firestore Project ID (required when using firestore backend)",
			Category:    "Repository",
			Sources:     cli.EnvVars("ONBOARDER_FIRESTORE_PROJECT_ID"),
			Destination: &r.projectID,
		},
		&cli.StringFlag{
			Name:        "firestore-database-id",
			Usage:       "Firestore Database ID",
			Category:    "Repository",
			Sources:     cli.EnvVars("ONBOARDER_FIRESTORE_DATABASE_ID"),
			Destination: &r.databaseID,
		},
		&cli.StringFlag{
			Name:        "firestore-collection-prefix",
			Usage:       "Prefix for Firestore collection names",
			Category:    "Repository",
			Sources:     cli.EnvVars("ONBOARDER_FIRESTORE_COLLECTION_PREFIX"),
			Destination: &r.collectionPrefix,
		},
	}
}

// Backend returns the configured backend type
func (r *Repository) Backend() string {
	return r.backend
}

// ProjectID returns the Firestore project ID
func (r *Repository) ProjectID() string {
	return r.projectID
}

// DatabaseID returns the Firestore database ID
func (r *Repository) DatabaseID() string {
	return r.databaseID
}

// CollectionPrefix returns the Firestore collection prefix
func (r *Repository) CollectionPrefix() string {
	return r.collectionPrefix
}

// LogAttrs returns log attributes for the repository configuration
func (r *Repository) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("backend", r.backend)}
	switch r.backend {
	case BackendBolt:
		attrs = append(attrs, slog.String("path", r.boltPath))
	case BackendFirestore:
		attrs = append(attrs,
			slog.String("project_id", r.projectID),
			slog.String("database_id", r.databaseID),
			slog.String("collection_prefix", r.collectionPrefix))
	}
	return attrs
}

// Configure initializes and returns a repository based on the configured backend.
// The caller is responsible for calling Close() on the returned repository.
func (r *Repository) Configure(ctx context.Context) (interfaces.Repository, error) {
	switch r.backend {
	case BackendFirestore:
		if r.projectID == "" {
			return nil, goerr.Wrap(ErrMissingValue, "firestore-project-id is required when using firestore backend",
				goerr.V(FieldKey, "firestore-project-id"))
		}
		var opts []firestore.Option
		if r.collectionPrefix != "" {
			opts = append(opts, firestore.WithCollectionPrefix(r.collectionPrefix))
		}
		repo, err := firestore.New(ctx, r.projectID, r.databaseID, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize firestore repository")
		}
		logging.From(ctx).Info("Using Firestore repository",
			"project_id", r.projectID,
			"database_id", r.databaseID,
		)
		return repo, nil

	case BackendBolt:
		if r.boltPath == "" {
			return nil, goerr.Wrap(ErrMissingValue, "bolt-path is required when using bolt backend", goerr.V(FieldKey, "bolt-path"))
		}
		repo, err := bolt.New(r.boltPath)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize bolt repository")
		}
		logging.From(ctx).Info("Using bolt repository", "path", r.boltPath)
		return repo, nil

	case BackendMemory:
		logging.From(ctx).Info("Using in-memory repository (development mode)")
		return memory.New(), nil

	default:
		return nil, goerr.Wrap(ErrInvalidConfig, "invalid repository backend", goerr.V("backend", r.backend))
	}
}
