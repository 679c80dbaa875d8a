package cli

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/agent/tool"
	"github.com/secmon-lab/onboarder/pkg/agent/tool/calendar"
	"github.com/secmon-lab/onboarder/pkg/cli/config"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/service/chunker"
	"github.com/secmon-lab/onboarder/pkg/service/embedder"
	"github.com/secmon-lab/onboarder/pkg/service/extract"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// appConfig collects the flags shared by every command that talks to the
// model and the document store
type appConfig struct {
	tuningPath string
	gemini     config.Gemini
	repository config.Repository
	storage    config.Storage
	calendar   config.Calendar
}

func (a *appConfig) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Tuning file (TOML) for chunking, retrieval, agent and retry parameters",
			Sources:     cli.EnvVars("ONBOARDER_CONFIG"),
			Destination: &a.tuningPath,
		},
	}
	flags = append(flags, a.gemini.Flags()...)
	flags = append(flags, a.repository.Flags()...)
	flags = append(flags, a.storage.Flags()...)
	flags = append(flags, a.calendar.Flags()...)
	return flags
}

// app is the set of wired components. Close releases the repository and the
// blob store.
type app struct {
	tuning   *config.Tuning
	repo     interfaces.Repository
	useCases *usecase.UseCases
	closers  []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *appConfig) Build(ctx context.Context) (*app, error) {
	logger := logging.From(ctx)

	tuning, err := config.LoadTuning(a.tuningPath)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tuning")
	}

	llm, err := a.gemini.Configure(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to configure LLM client")
	}

	ch, err := chunker.New(tuning.ChunkerConfig())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chunker")
	}

	emb := embedder.New(llm,
		embedder.WithDimension(tuning.Embedder.Dimension),
		embedder.WithBatchSize(tuning.Embedder.BatchSize),
		embedder.WithMaxInputTokens(tuning.Embedder.MaxInputTokens),
	)

	result := &app{tuning: tuning}

	repo, err := a.repository.Configure(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to initialize repository")
	}
	result.repo = repo
	result.closers = append(result.closers, func() {
		if err := repo.Close(); err != nil {
			logger.Error("failed to close repository", logging.ErrAttr(err))
		}
	})

	blobs, closeBlobs, err := a.storage.Configure(ctx)
	if err != nil {
		result.Close()
		return nil, goerr.Wrap(err, "failed to initialize blob storage")
	}
	result.closers = append(result.closers, closeBlobs)

	cal, err := a.calendar.Configure(ctx)
	if err != nil {
		result.Close()
		return nil, goerr.Wrap(err, "failed to initialize calendar")
	}

	policy := tuning.RetryPolicy()
	registry, err := tool.NewRegistry(calendar.New(cal),
		tool.WithTimeout(tuning.Agent.ToolTimeout.Std()),
		tool.WithRetryPolicy(policy),
	)
	if err != nil {
		result.Close()
		return nil, goerr.Wrap(err, "failed to build tool registry")
	}

	ingestOpts := []usecase.IngestOption{
		usecase.WithExtractor(extract.New(extract.WithExtensions(tuning.Ingest.AllowedExtensions...))),
		usecase.WithIngestRetryPolicy(policy),
	}
	if blobs != nil {
		ingestOpts = append(ingestOpts, usecase.WithBlobStore(blobs))
	}

	result.useCases = usecase.New(repo, llm, emb, ch, registry,
		usecase.WithIngestOptions(ingestOpts...),
		usecase.WithRetrieverOptions(
			usecase.WithRetrieverRetryPolicy(policy),
			usecase.WithRetrievalTimeout(tuning.Retriever.Timeout.Std()),
			usecase.WithCandidateFactor(tuning.Retriever.CandidateFactor),
		),
		usecase.WithChatOptions(
			usecase.WithMaxToolRounds(tuning.Agent.MaxToolRounds),
			usecase.WithRetrievalParams(tuning.Retriever.TopK, tuning.Retriever.MinRelevance),
			usecase.WithLocation(tuning.Location()),
			usecase.WithHistoryLimit(tuning.Agent.HistoryLimit),
		),
	)

	logger.Info("Components configured",
		group("gemini", a.gemini.LogAttrs()),
		group("repository", a.repository.LogAttrs()),
		group("storage", a.storage.LogAttrs()),
		group("calendar", a.calendar.LogAttrs()),
		slog.Int("tools", len(registry.Specs())),
	)

	return result, nil
}

func group(name string, attrs []slog.Attr) slog.Attr {
	return slog.Attr{Key: name, Value: slog.GroupValue(attrs...)}
}
