package calendar_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/agent/tool"
	"github.com/secmon-lab/onboarder/pkg/agent/tool/calendar"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
	"github.com/secmon-lab/onboarder/pkg/domain/types"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
)

type mockCalendar struct {
	listFn   func(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error)
	createFn func(ctx context.Context, ev *model.Event) (*model.Event, error)

	listCalls   int
	createCalls []*model.Event
}

func (m *mockCalendar) ListEvents(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
	m.listCalls++
	if m.listFn != nil {
		return m.listFn(ctx, r, limit)
	}
	return nil, nil
}

func (m *mockCalendar) CreateEvent(ctx context.Context, ev *model.Event) (*model.Event, error) {
	m.createCalls = append(m.createCalls, ev)
	if m.createFn != nil {
		return m.createFn(ctx, ev)
	}
	created := *ev
	created.ID = "evt-1"
	return &created, nil
}

var (
	jst = time.FixedZone("JST", 9*60*60)
	now = time.Date(2026, 3, 2, 15, 0, 0, 0, jst) // Monday
)

func setup(t *testing.T, cal *mockCalendar) (*tool.Registry, context.Context) {
	t.Helper()
	reg, err := tool.NewRegistry(calendar.New(cal), tool.WithRetryPolicy(retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}))
	gt.NoError(t, err).Required()

	ctx := tool.WithClock(context.Background(), func() time.Time { return now })
	ctx = tool.WithLocation(ctx, jst)
	return reg, ctx
}

func TestListEvents(t *testing.T) {
	t.Run("default range is a week from now", func(t *testing.T) {
		var got model.TimeRange
		var gotLimit int
		cal := &mockCalendar{listFn: func(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
			got, gotLimit = r, limit
			return []*model.Event{{ID: "e1", Title: "Orientation", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}}, nil
		}}
		reg, ctx := setup(t, cal)

		res := reg.Invoke(ctx, &model.ToolCall{ID: "c1", Name: calendar.ListEventsName, Arguments: map[string]any{}})
		gt.Value(t, res.Status).Equal(types.ToolStatusOK)
		gt.Bool(t, got.Start.Equal(now)).True()
		gt.Bool(t, got.End.Equal(now.AddDate(0, 0, 7))).True()
		gt.Value(t, gotLimit).Equal(50)
		gt.Value(t, res.Payload["count"]).Equal(any(1))
		events := res.Payload["events"].([]map[string]any)
		gt.Value(t, events[0]["start"]).Equal(any("2026-03-02T16:00:00+09:00"))
	})

	t.Run("explicit range", func(t *testing.T) {
		var got model.TimeRange
		cal := &mockCalendar{listFn: func(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
			got = r
			return nil, nil
		}}
		reg, ctx := setup(t, cal)

		res := reg.Invoke(ctx, &model.ToolCall{ID: "c2", Name: calendar.ListEventsName, Arguments: map[string]any{
			"time_range": map[string]any{"start": "2026-03-03T00:00:00+09:00", "end": "2026-03-04T00:00:00+09:00"},
		}})
		gt.Value(t, res.Status).Equal(types.ToolStatusOK)
		gt.Bool(t, got.Start.Equal(time.Date(2026, 3, 3, 0, 0, 0, 0, jst))).True()
	})

	t.Run("invalid ranges", func(t *testing.T) {
		testCases := map[string]map[string]any{
			"days too large":   {"days": float64(51)},
			"days zero":        {"days": float64(0)},
			"days and start":   {"days": float64(3), "start": "2026-03-03T00:00:00Z"},
			"start only":       {"start": "2026-03-03T00:00:00Z"},
			"end before start": {"start": "2026-03-04T00:00:00Z", "end": "2026-03-03T00:00:00Z"},
			"bad time":         {"start": "tomorrow", "end": "2026-03-03T00:00:00Z"},
		}
		for name, rng := range testCases {
			t.Run(name, func(t *testing.T) {
				cal := &mockCalendar{}
				reg, ctx := setup(t, cal)
				res := reg.Invoke(ctx, &model.ToolCall{ID: "c3", Name: calendar.ListEventsName, Arguments: map[string]any{"time_range": rng}})
				gt.Value(t, res.Status).Equal(types.ToolStatusError)
				gt.Value(t, res.Payload["error_type"]).Equal(any("validation_error"))
				gt.Value(t, cal.listCalls).Equal(0)
			})
		}
	})

	t.Run("retried on transient failure", func(t *testing.T) {
		cal := &mockCalendar{}
		cal.listFn = func(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
			if cal.listCalls == 1 {
				return nil, retry.Transient(errors.New("rate limited"))
			}
			return nil, nil
		}
		reg, ctx := setup(t, cal)

		res := reg.Invoke(ctx, &model.ToolCall{ID: "c4", Name: calendar.ListEventsName, Arguments: map[string]any{}})
		gt.Value(t, res.Status).Equal(types.ToolStatusOK)
		gt.Value(t, cal.listCalls).Equal(2)
	})
}

func TestCreateEvent(t *testing.T) {
	t.Run("creates tomorrow morning sync", func(t *testing.T) {
		cal := &mockCalendar{}
		reg, ctx := setup(t, cal)

		res := reg.Invoke(ctx, &model.ToolCall{ID: "c1", Name: calendar.CreateEventName, Arguments: map[string]any{
			"title":     "Onboarding sync",
			"start":     "2026-03-03T10:00:00+09:00",
			"end":       "2026-03-03T11:00:00+09:00",
			"attendees": []any{"Buddy <buddy@example.com>", "BUDDY@example.com"},
		}})
		gt.Value(t, res.Status).Equal(types.ToolStatusOK)
		gt.Array(t, cal.createCalls).Length(1).Required()

		ev := cal.createCalls[0]
		gt.Value(t, ev.Title).Equal("Onboarding sync")
		gt.Bool(t, ev.Start.Equal(time.Date(2026, 3, 3, 10, 0, 0, 0, jst))).True()
		gt.Value(t, ev.ReminderMinutes).Equal(15)
		gt.Value(t, ev.Attendees).Equal([]string{"buddy@example.com"})
		gt.Value(t, res.Payload["message"]).Equal(any(`Created "Onboarding sync" on Tuesday, March 3, 2026 10:00-11:00 JST`))
	})

	t.Run("local time uses user timezone", func(t *testing.T) {
		cal := &mockCalendar{}
		reg, ctx := setup(t, cal)

		res := reg.Invoke(ctx, &model.ToolCall{ID: "c2", Name: calendar.CreateEventName, Arguments: map[string]any{
			"title": "Lunch", "start": "2026-03-03T12:00", "end": "2026-03-03T13:00", "reminder_minutes": float64(0),
		}})
		gt.Value(t, res.Status).Equal(types.ToolStatusOK)
		gt.Array(t, cal.createCalls).Length(1).Required()
		gt.Value(t, cal.createCalls[0].Start.Format(time.RFC3339)).Equal("2026-03-03T12:00:00+09:00")
		gt.Value(t, cal.createCalls[0].ReminderMinutes).Equal(0)
	})

	t.Run("rejects invalid events", func(t *testing.T) {
		testCases := map[string]map[string]any{
			"past start":   {"title": "x", "start": "2026-03-01T10:00:00+09:00", "end": "2026-03-01T11:00:00+09:00"},
			"end first":    {"title": "x", "start": "2026-03-03T11:00:00+09:00", "end": "2026-03-03T10:00:00+09:00"},
			"too long":     {"title": "x", "start": "2026-03-03T10:00:00+09:00", "end": "2026-03-04T10:30:00+09:00"},
			"blank title":  {"title": "  ", "start": "2026-03-03T10:00:00+09:00", "end": "2026-03-03T11:00:00+09:00"},
			"missing end":  {"title": "x", "start": "2026-03-03T10:00:00+09:00"},
			"bad attendee": {"title": "x", "start": "2026-03-03T10:00:00+09:00", "end": "2026-03-03T11:00:00+09:00", "attendees": []any{"not-an-email"}},
			"bad reminder": {"title": "x", "start": "2026-03-03T10:00:00+09:00", "end": "2026-03-03T11:00:00+09:00", "reminder_minutes": float64(-5)},
			"wrong typed":  {"title": 42.0, "start": "2026-03-03T10:00:00+09:00", "end": "2026-03-03T11:00:00+09:00"},
		}
		for name, args := range testCases {
			t.Run(name, func(t *testing.T) {
				cal := &mockCalendar{}
				reg, ctx := setup(t, cal)
				res := reg.Invoke(ctx, &model.ToolCall{ID: "c3", Name: calendar.CreateEventName, Arguments: args})
				gt.Value(t, res.Status).Equal(types.ToolStatusError)
				gt.Value(t, res.Payload["error_type"]).Equal(any("validation_error"))
				gt.Array(t, cal.createCalls).Length(0)
			})
		}
	})

	t.Run("never retried even on timeout", func(t *testing.T) {
		cal := &mockCalendar{createFn: func(ctx context.Context, ev *model.Event) (*model.Event, error) {
			return nil, context.DeadlineExceeded
		}}
		reg, ctx := setup(t, cal)

		res := reg.Invoke(ctx, &model.ToolCall{ID: "c4", Name: calendar.CreateEventName, Arguments: map[string]any{
			"title": "Sync", "start": "2026-03-03T10:00:00+09:00", "end": "2026-03-03T11:00:00+09:00",
		}})
		gt.Value(t, res.Status).Equal(types.ToolStatusError)
		gt.Array(t, cal.createCalls).Length(1)
	})
}
