package cli

import (
	"context"

	"github.com/m-mizutani/fireconf"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/repository/firestore"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdMigrate() *cli.Command {
	var projectID string
	var databaseID string
	var prefix string
	var dimension int64
	var dryRun bool

	return &cli.Command{
		Name:    "migrate",
		Aliases: []string{"m"},
		Usage:   "Create the Firestore indexes used by vector search and chunk lookup",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "firestore-project-id",
				Usage:       "Firestore Project ID (required)",
				Required:    true,
				Sources:     cli.EnvVars("ONBOARDER_FIRESTORE_PROJECT_ID"),
				Destination: &projectID,
			},
			&cli.StringFlag{
				Name:        "firestore-database-id",
				Usage:       "Firestore Database ID",
				Sources:     cli.EnvVars("ONBOARDER_FIRESTORE_DATABASE_ID"),
				Destination: &databaseID,
			},
			&cli.StringFlag{
				Name:        "firestore-collection-prefix",
				Usage:       "Prefix of every collection name",
				Sources:     cli.EnvVars("ONBOARDER_FIRESTORE_COLLECTION_PREFIX"),
				Destination: &prefix,
			},
			&cli.Int64Flag{
				Name:        "dimension",
				Usage:       "Embedding dimension of the vector index",
				Value:       model.EmbeddingDimension,
				Sources:     cli.EnvVars("ONBOARDER_EMBEDDING_DIMENSION"),
				Destination: &dimension,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "Preview changes without applying",
				Destination: &dryRun,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.Default()

			logger.Info("Migrate configuration",
				"projectID", projectID,
				"databaseID", databaseID,
				"prefix", prefix,
				"dimension", dimension,
				"dryRun", dryRun)

			if dimension <= 0 {
				return goerr.New("dimension must be positive", goerr.V("dimension", dimension))
			}
			indexConfig := indexConfig(prefix, int(dimension))

			client, err := fireconf.NewClient(ctx, projectID, databaseID)
			if err != nil {
				return goerr.Wrap(err, "failed to create fireconf client")
			}
			defer func() {
				if err := client.Close(); err != nil {
					logger.Error("failed to close fireconf client", "error", err.Error())
				}
			}()

			if !dryRun {
				logger.Info("Applying migrations")
				if err := client.Migrate(ctx, indexConfig); err != nil {
					return goerr.Wrap(err, "failed to apply migrations")
				}
				logger.Info("Migrations applied successfully")
				return nil
			}

			plan, err := client.GetMigrationPlan(ctx, indexConfig)
			if err != nil {
				return goerr.Wrap(err, "failed to create migration plan")
			}
			if len(plan.Steps) == 0 {
				logger.Info("No changes required")
				return nil
			}
			for _, step := range plan.Steps {
				logger.Info("Migration step",
					"collection", step.Collection,
					"operation", step.Operation,
					"description", step.Description,
					"destructive", step.Destructive)
			}
			return nil
		},
	}
}

// indexConfig describes the indexes the Firestore repository queries need.
// Retrieval restricted to complete documents filters on DocumentID before
// the nearest neighbour search, so that pair needs its own composite index.
func indexConfig(prefix string, dimension int) *fireconf.Config {
	vector := fireconf.IndexField{
		Path:   "Embedding",
		Vector: &fireconf.VectorConfig{Dimension: dimension},
	}

	return &fireconf.Config{
		Collections: []fireconf.Collection{
			{
				Name: prefix + firestore.CollectionIndex,
				Indexes: []fireconf.Index{
					{Fields: []fireconf.IndexField{vector}},
					{
						Fields: []fireconf.IndexField{
							{Path: "DocumentID", Order: fireconf.OrderAscending},
							vector,
						},
					},
				},
			},
			{
				Name: prefix + firestore.CollectionChunks,
				Indexes: []fireconf.Index{
					{
						Fields: []fireconf.IndexField{
							{Path: "DocumentID", Order: fireconf.OrderAscending},
							{Path: "SequenceIndex", Order: fireconf.OrderAscending},
						},
					},
				},
			},
		},
	}
}
