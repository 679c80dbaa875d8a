package cli

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/usecase"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

func cmdIngest() *cli.Command {
	var appCfg appConfig

	return &cli.Command{
		Name:      "ingest",
		Aliases:   []string{"i"},
		Usage:     "Ingest documents from files or directories",
		ArgsUsage: "PATH [PATH...]",
		Flags:     appCfg.Flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() == 0 {
				return goerr.New("at least one file or directory is required")
			}

			a, err := appCfg.Build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			paths, err := collectFiles(c.Args().Slice(), a.useCases.Ingest.Supports)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return goerr.New("no supported files found", goerr.V("args", c.Args().Slice()))
			}

			failed := ingestFiles(ctx, a.useCases.Ingest, paths, a.tuning.Ingest.Concurrency, os.Stdout)
			if failed > 0 {
				return goerr.New("some documents failed to ingest", goerr.V("failed", failed), goerr.V("total", len(paths)))
			}
			return nil
		},
	}
}

// collectFiles expands directories into the supported files below them.
// Explicit file arguments are kept even when unsupported so that the
// rejection is reported.
func collectFiles(args []string, supports func(name string) bool) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to stat path", goerr.V("path", arg))
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !supports(d.Name()) {
				return nil
			}
			paths = append(paths, path)
			return nil
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to walk directory", goerr.V("path", arg))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

type fileIngester interface {
	IngestFile(ctx context.Context, path string) (*usecase.IngestResult, error)
}

// ingestFiles runs up to concurrency ingestions at once, prints one line per
// file and returns the number of failures
func ingestFiles(ctx context.Context, ing fileIngester, paths []string, concurrency int, w io.Writer) int {
	ok := color.New(color.FgGreen).SprintFunc()
	skip := color.New(color.FgCyan).SprintFunc()
	ng := color.New(color.FgRed, color.Bold).SprintFunc()

	var mu sync.Mutex
	failed := 0
	report := func(line string, isFailure bool) {
		mu.Lock()
		defer mu.Unlock()
		if isFailure {
			failed++
		}
		_, _ = fmt.Fprintln(w, line)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(concurrency, 1))

	for _, path := range paths {
		eg.Go(func() error {
			res, err := ing.IngestFile(ctx, path)
			switch {
			case err != nil:
				logging.From(ctx).Warn("Ingestion rejected", "path", path, logging.ErrAttr(err))
				report(fmt.Sprintf("%s %s: %v", ng("NG"), path, err), true)
			case res.Status() == types.IngestionStatusFailed:
				report(fmt.Sprintf("%s %s: failed at %s: %s", ng("NG"), path, res.Document.FailedStage, res.Document.Error), true)
			case res.Deduplicated || res.Joined:
				report(fmt.Sprintf("%s %s: already ingested as %s", skip("--"), path, res.Document.ID), false)
			default:
				report(fmt.Sprintf("%s %s: %d chunks (%s)", ok("OK"), path, res.Document.ChunkCount, res.Document.ID), false)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return failed
}
