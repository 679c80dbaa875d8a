package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	httpctrl "github.com/secmon-lab/onboarder/pkg/controller/http"
	"github.com/secmon-lab/onboarder/pkg/service/watcher"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func cmdServe() *cli.Command {
	var addr string
	var watchDir string
	var maxUpload int64
	var appCfg appConfig

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "HTTP server address",
			Value:       ":8080",
			Sources:     cli.EnvVars("ONBOARDER_ADDR"),
			Destination: &addr,
		},
		&cli.StringFlag{
			Name:        "watch-dir",
			Usage:       "Ingest files that appear or change in this directory",
			Sources:     cli.EnvVars("ONBOARDER_WATCH_DIR"),
			Destination: &watchDir,
		},
		&cli.Int64Flag{
			Name:        "max-upload-bytes",
			Usage:       "Largest accepted document upload",
			Value:       32 << 20,
			Sources:     cli.EnvVars("ONBOARDER_MAX_UPLOAD_BYTES"),
			Destination: &maxUpload,
		},
	}
	flags = append(flags, appCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			a, err := appCfg.Build(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			watchErr := make(chan error, 1)
			var w *watcher.Watcher
			if watchDir != "" {
				ingest := a.useCases.Ingest
				w = watcher.New(watchDir, ingest.Supports, func(ctx context.Context, path string) error {
					res, err := ingest.IngestFile(ctx, path)
					if err != nil {
						return err
					}
					if res.Err != nil {
						return goerr.Wrap(res.Err, "watched file ingestion failed", goerr.V("path", path))
					}
					logging.From(ctx).Info("Ingested watched file",
						"path", path,
						"document_id", res.Document.ID,
						"chunks", res.Document.ChunkCount,
						"deduplicated", res.Deduplicated)
					return nil
				}, watcher.WithInitialScan(true))

				go func() {
					watchErr <- w.Run(ctx)
				}()
			}

			server := &http.Server{
				Addr: addr,
				Handler: httpctrl.New(a.useCases.Ingest, a.useCases.Chat,
					httpctrl.WithMaxUploadBytes(maxUpload)),
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				logging.Default().Info("Starting HTTP server", "addr", addr, "watch_dir", watchDir)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- goerr.Wrap(err, "failed to start server")
				}
			}()

			select {
			case err := <-errCh:
				return err
			case err := <-watchErr:
				return goerr.Wrap(err, "directory watcher stopped")
			case sig := <-sigCh:
				logging.Default().Info("Received shutdown signal", "signal", sig)
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown server gracefully")
			}

			cancel()
			if w != nil {
				if err := w.Wait(shutdownCtx); err != nil {
					logging.Default().Warn("Pending watched files did not finish", logging.ErrAttr(err))
				}
			}

			logging.Default().Info("Server shutdown completed")
			return nil
		},
	}
}
