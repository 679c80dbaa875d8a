package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

// Sentry holds CLI flags for error reporting
type Sentry struct {
	dsn         SecretString
	environment string
	release     string
}

// Flags returns CLI flags for Sentry configuration
func (s *Sentry) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "sentry-dsn",
			Usage:    "Sentry DSN; errors are reported when set",
			Category: "Sentry",
			Sources:  cli.EnvVars("ONBOARDER_SENTRY_DSN"),
			Action: func(_ context.Context, _ *cli.Command, v string) error {
				s.dsn = SecretString(v)
				return nil
			},
		},
		&cli.StringFlag{
			Name:        "sentry-env",
			Usage:       "Sentry environment",
			Category:    "Sentry",
			Sources:     cli.EnvVars("ONBOARDER_SENTRY_ENV"),
			Destination: &s.environment,
		},
		&cli.StringFlag{
			Name:        "sentry-release",
			Usage:       "Sentry release",
			Category:    "Sentry",
			Sources:     cli.EnvVars("ONBOARDER_SENTRY_RELEASE"),
			Destination: &s.release,
		},
	}
}

// LogAttrs returns log attributes for the Sentry configuration
func (s *Sentry) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.Bool("enabled", s.dsn != ""),
		slog.String("environment", s.environment),
		slog.String("release", s.release),
	}
}

// Configure initializes the global Sentry client when a DSN is set. The
// returned flush function is never nil.
func (s *Sentry) Configure() (func(), error) {
	if s.dsn == "" {
		return func() {}, nil
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         string(s.dsn),
		Environment: s.environment,
		Release:     s.release,
	}); err != nil {
		return nil, goerr.Wrap(errors.Join(ErrInvalidConfig, err), "failed to initialize sentry")
	}

	return func() { sentry.Flush(2 * time.Second) }, nil
}
