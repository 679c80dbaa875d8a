package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

const (
	ListEventsName  = "list_events"
	CreateEventName = "create_event"

	defaultDays            = 7
	maxDays                = 50
	maxEvents              = 50
	defaultReminderMinutes = 15
	maxReminderMinutes     = 40320 // four weeks
	maxEventDuration       = 24 * time.Hour
)

// bound returns a schema limit for gollem.Parameter Minimum and Maximum
func bound(v float64) *float64 {
	return &v
}

// New builds the calendar tools backed by cal
func New(cal interfaces.Calendar) []gollem.Tool {
	return []gollem.Tool{
		&listEventsTool{cal: cal},
		&createEventTool{cal: cal},
	}
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// parseTime accepts RFC3339, or a local date-time interpreted in loc
func parseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, goerr.Wrap(model.ErrToolValidation,
		fmt.Sprintf("invalid time %q, use RFC3339 such as 2006-01-02T15:04:05+09:00", s))
}

func eventToMap(ev *model.Event, loc *time.Location) map[string]any {
	m := map[string]any{
		"id":    ev.ID,
		"title": ev.Title,
		"start": ev.Start.In(loc).Format(time.RFC3339),
		"end":   ev.End.In(loc).Format(time.RFC3339),
	}
	if ev.Description != "" {
		m["description"] = ev.Description
	}
	if ev.Location != "" {
		m["location"] = ev.Location
	}
	if len(ev.Attendees) > 0 {
		m["attendees"] = ev.Attendees
	}
	if ev.ReminderMinutes > 0 {
		m["reminder_minutes"] = ev.ReminderMinutes
	}
	if ev.HTMLLink != "" {
		m["html_link"] = ev.HTMLLink
	}
	return m
}

// describeSlot renders "Tuesday, March 3, 2026 10:00-11:00 JST" for confirmations
func describeSlot(start, end time.Time, loc *time.Location) string {
	start, end = start.In(loc), end.In(loc)
	if start.YearDay() == end.YearDay() && start.Year() == end.Year() {
		return fmt.Sprintf("%s %s-%s %s",
			start.Format("Monday, January 2, 2006"),
			start.Format("15:04"), end.Format("15:04"), start.Format("MST"))
	}
	return fmt.Sprintf("%s - %s", start.Format("Monday, January 2, 2006 15:04 MST"), end.Format("Monday, January 2, 2006 15:04 MST"))
}
