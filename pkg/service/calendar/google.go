package calendar

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Google is a Calendar backed by the Google Calendar API
type Google struct {
	svc        *gcal.Service
	calendarID string
	limiter    *rate.Limiter
}

// GoogleOption configures a Google calendar client
type GoogleOption func(*googleConfig)

type googleConfig struct {
	calendarID      string
	credentialsFile string
	token           string
	rps             float64
	clientOpts      []option.ClientOption
}

// WithCalendarID sets the target calendar. Default is "primary".
func WithCalendarID(id string) GoogleOption {
	return func(c *googleConfig) {
		c.calendarID = id
	}
}

// WithCredentialsFile authenticates with a service account or OAuth client file
func WithCredentialsFile(path string) GoogleOption {
	return func(c *googleConfig) {
		c.credentialsFile = path
	}
}

// WithAccessToken authenticates with a static OAuth2 access token
func WithAccessToken(token string) GoogleOption {
	return func(c *googleConfig) {
		c.token = token
	}
}

// WithRateLimit caps outgoing API calls per second
func WithRateLimit(rps float64) GoogleOption {
	return func(c *googleConfig) {
		c.rps = rps
	}
}

// WithClientOptions appends raw API client options, mainly for tests
func WithClientOptions(opts ...option.ClientOption) GoogleOption {
	return func(c *googleConfig) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}

// NewGoogle creates a Google Calendar client. Without credentials options the
// application default credentials are used.
func NewGoogle(ctx context.Context, opts ...GoogleOption) (*Google, error) {
	cfg := &googleConfig{
		calendarID: "primary",
		rps:        5,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clientOpts := []option.ClientOption{option.WithScopes(gcal.CalendarEventsScope)}
	switch {
	case cfg.token != "":
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.token, TokenType: "Bearer"})
		clientOpts = append(clientOpts, option.WithTokenSource(ts))
	case cfg.credentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.credentialsFile))
	}
	clientOpts = append(clientOpts, cfg.clientOpts...)

	svc, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create calendar service")
	}

	return &Google{
		svc:        svc,
		calendarID: cfg.calendarID,
		limiter:    rate.NewLimiter(rate.Limit(cfg.rps), 1),
	}, nil
}

// ListEvents returns single (expanded) events overlapping r, ordered by start time
func (g *Google) ListEvents(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, goerr.Wrap(err, "rate limiter wait canceled")
	}

	call := g.svc.Events.List(g.calendarID).
		TimeMin(r.Start.Format(time.RFC3339)).
		TimeMax(r.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)
	if limit > 0 {
		call = call.MaxResults(int64(limit))
	}

	resp, err := call.Do()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list calendar events",
			goerr.V("calendar_id", g.calendarID),
			goerr.V("start", r.Start),
			goerr.V("end", r.End))
	}

	events := make([]*model.Event, 0, len(resp.Items))
	for _, item := range resp.Items {
		ev, err := toModel(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// CreateEvent inserts the event and returns it with the assigned ID and link
func (g *Google) CreateEvent(ctx context.Context, event *model.Event) (*model.Event, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, goerr.Wrap(err, "rate limiter wait canceled")
	}

	created, err := g.svc.Events.Insert(g.calendarID, fromModel(event)).Context(ctx).Do()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create calendar event",
			goerr.V("calendar_id", g.calendarID),
			goerr.V("title", event.Title))
	}

	return toModel(created)
}

func toModel(item *gcal.Event) (*model.Event, error) {
	start, err := parseEventTime(item.Start)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid event start", goerr.V("event_id", item.Id))
	}
	end, err := parseEventTime(item.End)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid event end", goerr.V("event_id", item.Id))
	}

	ev := &model.Event{
		ID:          item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
		Start:       start,
		End:         end,
		HTMLLink:    item.HtmlLink,
	}
	for _, a := range item.Attendees {
		if a != nil && a.Email != "" {
			ev.Attendees = append(ev.Attendees, a.Email)
		}
	}
	if item.Reminders != nil {
		for _, o := range item.Reminders.Overrides {
			if o != nil && o.Method == "popup" {
				ev.ReminderMinutes = int(o.Minutes)
				break
			}
		}
	}
	return ev, nil
}

func fromModel(ev *model.Event) *gcal.Event {
	item := &gcal.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Start.Location().String()},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.End.Location().String()},
	}
	for _, email := range ev.Attendees {
		item.Attendees = append(item.Attendees, &gcal.EventAttendee{Email: email})
	}
	if ev.ReminderMinutes > 0 {
		item.Reminders = &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "popup", Minutes: int64(ev.ReminderMinutes)},
			},
			ForceSendFields: []string{"UseDefault"},
		}
	}
	return item
}

// parseEventTime handles both timed events and all-day events
func parseEventTime(dt *gcal.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, goerr.New("event time is missing")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		loc := time.UTC
		if tz := strings.TrimSpace(dt.TimeZone); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				loc = l
			}
		}
		return time.ParseInLocation(time.DateOnly, dt.Date, loc)
	}
	return time.Time{}, goerr.New("event time has neither date nor dateTime")
}
