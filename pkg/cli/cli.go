package cli

import (
	"context"

	"github.com/secmon-lab/onboarder/pkg/cli/config"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func Run(ctx context.Context, args []string, version string) error {
	var loggerCfg config.Logger
	var sentryCfg config.Sentry
	var closer, flush func()

	flags := loggerCfg.Flags()
	flags = append(flags, sentryCfg.Flags()...)

	app := &cli.Command{
		Name:    "onboarder",
		Usage:   "Onboarding assistant that answers from company documents and manages calendar events",
		Version: version,
		Flags:   flags,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			f, err := loggerCfg.Configure()
			if err != nil {
				return ctx, err
			}
			closer = f

			fl, err := sentryCfg.Configure()
			if err != nil {
				return ctx, err
			}
			flush = fl

			logging.Default().Info("Starting onboarder", "logger", loggerCfg, group("sentry", sentryCfg.LogAttrs()))
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if flush != nil {
				flush()
			}
			if closer != nil {
				closer()
			}
			return nil
		},
		Commands: []*cli.Command{
			cmdServe(),
			cmdIngest(),
			cmdChat(),
			cmdMigrate(),
		},
	}

	if err := app.Run(ctx, args); err != nil {
		logging.Default().Error("failed to run app", "error", err)
		return err
	}

	return nil
}
