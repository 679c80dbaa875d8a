package config

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/service/calendar"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Calendar backends
const (
	CalendarMemory = "memory"
	CalendarGoogle = "google"
)

// Calendar holds CLI flags for the calendar collaborator
type Calendar struct {
	backend         string
	calendarID      string
	credentialsFile string
	accessToken     SecretString
	rateLimit       float64
}

// Flags returns CLI flags for calendar configuration
func (c *Calendar) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "calendar-backend",
			Usage:       "Calendar backend (memory or google)",
			Category:    "Calendar",
			Value:       CalendarMemory,
			Sources:     cli.EnvVars("ONBOARDER_CALENDAR_BACKEND"),
			Destination: &c.backend,
		},
		&cli.StringFlag{
			Name:        "calendar-id",
			Usage:       "Google Calendar ID",
			Category:    "Calendar",
			Value:       "primary",
			Sources:     cli.EnvVars("ONBOARDER_CALENDAR_ID"),
			Destination: &c.calendarID,
		},
		&cli.StringFlag{
			Name:        "calendar-credentials",
			Usage:       "Service account or OAuth client credentials file for Google Calendar",
			Category:    "Calendar",
			Sources:     cli.EnvVars("ONBOARDER_CALENDAR_CREDENTIALS"),
			Destination: &c.credentialsFile,
		},
		&cli.StringFlag{
			Name:     "calendar-access-token",
			Usage:    "OAuth bearer token issued by the identity provider",
			Category: "Calendar",
			Sources:  cli.EnvVars("ONBOARDER_CALENDAR_ACCESS_TOKEN"),
			Action: func(_ context.Context, _ *cli.Command, v string) error {
				c.accessToken = SecretString(v)
				return nil
			},
		},
		&cli.FloatFlag{
			Name:        "calendar-rate-limit",
			Usage:       "Maximum Google Calendar requests per second",
			Category:    "Calendar",
			Value:       5,
			Sources:     cli.EnvVars("ONBOARDER_CALENDAR_RATE_LIMIT"),
			Destination: &c.rateLimit,
		},
	}
}

// LogAttrs returns log attributes for the calendar configuration
func (c *Calendar) LogAttrs() []slog.Attr {
	return []slog.Attr{
		slog.String("backend", c.backend),
		slog.String("calendar_id", c.calendarID),
		slog.Bool("access_token", c.accessToken != ""),
	}
}

// Configure returns the calendar collaborator
func (c *Calendar) Configure(ctx context.Context) (interfaces.Calendar, error) {
	switch c.backend {
	case CalendarGoogle:
		opts := []calendar.GoogleOption{
			calendar.WithCalendarID(c.calendarID),
			calendar.WithRateLimit(c.rateLimit),
		}
		switch {
		case c.accessToken != "":
			opts = append(opts, calendar.WithAccessToken(string(c.accessToken)))
		case c.credentialsFile != "":
			opts = append(opts, calendar.WithCredentialsFile(c.credentialsFile))
		}

		cal, err := calendar.NewGoogle(ctx, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to initialize Google Calendar")
		}
		logging.From(ctx).Info("Using Google Calendar", "calendar_id", c.calendarID)
		return cal, nil

	case CalendarMemory:
		logging.From(ctx).Info("Using in-memory calendar (development mode)")
		return calendar.NewMemory(), nil

	default:
		return nil, goerr.Wrap(ErrInvalidConfig, "invalid calendar backend", goerr.V("backend", c.backend))
	}
}
