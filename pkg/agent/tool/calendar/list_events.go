package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gollem"
	"github.com/secmon-lab/onboarder/pkg/agent/tool"
	"github.com/secmon-lab/onboarder/pkg/domain/interfaces"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

type listEventsTool struct {
	cal interfaces.Calendar
}

func (t *listEventsTool) Spec() gollem.ToolSpec {
	return gollem.ToolSpec{
		Name:        ListEventsName,
		Description: "List the user's calendar events in a time range. Use either days (from now) or an explicit start and end.",
		Parameters: map[string]*gollem.Parameter{
			"time_range": {
				Type:        gollem.TypeObject,
				Description: fmt.Sprintf("Time range to list. Defaults to the next %d days.", defaultDays),
				Properties: map[string]*gollem.Parameter{
					"days": {
						Type:        gollem.TypeInteger,
						Description: fmt.Sprintf("Number of days from now, 1 to %d", maxDays),
						Minimum:     bound(1),
						Maximum:     bound(maxDays),
					},
					"start": {
						Type:        gollem.TypeString,
						Description: "Range start in RFC3339",
					},
					"end": {
						Type:        gollem.TypeString,
						Description: "Range end in RFC3339",
					},
				},
			},
		},
	}
}

// Retryable reports that listing has no side effects
func (t *listEventsTool) Retryable() bool { return true }

func (t *listEventsTool) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	r, err := resolveRange(ctx, args)
	if err != nil {
		return nil, err
	}

	events, err := t.cal.ListEvents(ctx, r, maxEvents)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list events",
			goerr.V("start", r.Start),
			goerr.V("end", r.End))
	}

	loc := tool.Location(ctx)
	items := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		items = append(items, eventToMap(ev, loc))
	}
	return map[string]any{
		"events": items,
		"count":  len(items),
		"range": map[string]any{
			"start": r.Start.In(loc).Format(time.RFC3339),
			"end":   r.End.In(loc).Format(time.RFC3339),
		},
	}, nil
}

func resolveRange(ctx context.Context, args map[string]any) (model.TimeRange, error) {
	now := tool.Now(ctx)
	loc := tool.Location(ctx)

	raw, _ := args["time_range"].(map[string]any)
	start, hasStart := raw["start"].(string)
	end, hasEnd := raw["end"].(string)
	daysRaw, hasDays := raw["days"]

	switch {
	case hasDays && (hasStart || hasEnd):
		return model.TimeRange{}, goerr.Wrap(model.ErrToolValidation, "time_range takes either days or start/end, not both")

	case hasStart || hasEnd:
		if !hasStart || !hasEnd {
			return model.TimeRange{}, goerr.Wrap(model.ErrToolValidation, "time_range needs both start and end")
		}
		s, err := parseTime(start, loc)
		if err != nil {
			return model.TimeRange{}, err
		}
		e, err := parseTime(end, loc)
		if err != nil {
			return model.TimeRange{}, err
		}
		if !e.After(s) {
			return model.TimeRange{}, goerr.Wrap(model.ErrToolValidation, "time_range end must be after start")
		}
		return model.TimeRange{Start: s, End: e}, nil

	default:
		days := defaultDays
		if hasDays {
			n, ok := tool.AsInt(daysRaw)
			if !ok {
				return model.TimeRange{}, goerr.Wrap(model.ErrToolValidation, "time_range.days must be an integer")
			}
			days = n
		}
		return model.TimeRange{Start: now, End: now.AddDate(0, 0, days)}, nil
	}
}
