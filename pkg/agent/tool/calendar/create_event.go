package calendar

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/agent/tool"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

type createEventTool struct {
	cal interfaces.Calendar
}

func (t *createEventTool) Spec() gollem.ToolSpec {
	return gollem.ToolSpec{
		Name:        CreateEventName,
		Description: "Create an event on the user's calendar. Resolve relative dates like 'tomorrow' against the current date before calling.",
		Parameters: map[string]*gollem.Parameter{
			"title": {
				Type:        gollem.TypeString,
				Description: "Event title",
				Required:    true,
			},
			"start": {
				Type:        gollem.TypeString,
				Description: "Start time in RFC3339 including the UTC offset",
				Required:    true,
			},
			"end": {
				Type:        gollem.TypeString,
				Description: "End time in RFC3339 including the UTC offset",
				Required:    true,
			},
			"description": {
				Type:        gollem.TypeString,
				Description: "Optional event description",
			},
			"location": {
				Type:        gollem.TypeString,
				Description: "Optional location or meeting room",
			},
			"attendees": {
				Type:        gollem.TypeArray,
				Description: "Optional attendee e-mail addresses",
				Items:       &gollem.Parameter{Type: gollem.TypeString},
			},
			"reminder_minutes": {
				Type:        gollem.TypeInteger,
				Description: fmt.Sprintf("Popup reminder before start in minutes, default %d", defaultReminderMinutes),
				Minimum:     bound(0),
				Maximum:     bound(maxReminderMinutes),
			},
		},
	}
}

// Retryable is false: a repeated insert may double-book
func (t *createEventTool) Retryable() bool { return false }

func (t *createEventTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	ev, err := buildEvent(ctx, args)
	if err != nil {
		return nil, err
	}

	created, err := t.cal.CreateEvent(ctx, ev)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create event", goerr.V("title", ev.Title))
	}

	loc := tool.Location(ctx)
	return map[string]any{
		"event":   eventToMap(created, loc),
		"message": fmt.Sprintf("Created %q on %s", created.Title, describeSlot(created.Start, created.End, loc)),
	}, nil
}

func buildEvent(ctx context.Context, args map[string]any) (*model.Event, error) {
	loc := tool.Location(ctx)

	title, _ := args["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, goerr.Wrap(model.ErrToolValidation, "title must not be empty")
	}

	startStr, _ := args["start"].(string)
	endStr, _ := args["end"].(string)
	start, err := parseTime(startStr, loc)
	if err != nil {
		return nil, err
	}
	end, err := parseTime(endStr, loc)
	if err != nil {
		return nil, err
	}

	if start.Before(tool.Now(ctx)) {
		return nil, goerr.Wrap(model.ErrToolValidation, "start is in the past",
			goerr.V("start", start))
	}
	if !end.After(start) {
		return nil, goerr.Wrap(model.ErrToolValidation, "end must be after start")
	}
	if end.Sub(start) > maxEventDuration {
		return nil, goerr.Wrap(model.ErrToolValidation, "events longer than 24 hours are not supported")
	}

	ev := &model.Event{
		Title:           title,
		Start:           start,
		End:             end,
		ReminderMinutes: defaultReminderMinutes,
	}
	ev.Description, _ = args["description"].(string)
	ev.Location, _ = args["location"].(string)

	if v, ok := args["reminder_minutes"]; ok && v != nil {
		n, ok := tool.AsInt(v)
		if !ok {
			return nil, goerr.Wrap(model.ErrToolValidation, "reminder_minutes must be an integer")
		}
		ev.ReminderMinutes = n
	}

	attendees, err := parseAttendees(args["attendees"])
	if err != nil {
		return nil, err
	}
	ev.Attendees = attendees

	return ev, nil
}

func parseAttendees(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}

	var raw []string
	switch list := v.(type) {
	case []string:
		raw = list
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, goerr.Wrap(model.ErrToolValidation, "attendees must be strings")
			}
			raw = append(raw, s)
		}
	default:
		return nil, goerr.Wrap(model.ErrToolValidation, "attendees must be an array")
	}

	seen := make(map[string]bool, len(raw))
	var emails []string
	for _, s := range raw {
		addr, err := mail.ParseAddress(strings.TrimSpace(s))
		if err != nil {
			return nil, goerr.Wrap(model.ErrToolValidation, fmt.Sprintf("invalid attendee e-mail %q", s))
		}
		email := strings.ToLower(addr.Address)
		if !seen[email] {
			seen[email] = true
			emails = append(emails, email)
		}
	}
	return emails, nil
}
