package calendar

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/secmon-lab/onboarder/pkg/domain/model"
)

// Memory is an in-process calendar used for local runs and tests
type Memory struct {
	mu     sync.RWMutex
	events []*model.Event
}

// NewMemory creates an empty in-memory calendar
func NewMemory(events ...*model.Event) *Memory {
	m := &Memory{}
	for _, ev := range events {
		m.events = append(m.events, copyEvent(ev))
	}
	return m
}

// ListEvents returns events overlapping r ordered by start time
func (m *Memory) ListEvents(ctx context.Context, r model.TimeRange, limit int) ([]*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*model.Event
	for _, ev := range m.events {
		if ev.Start.Before(r.End) && ev.End.After(r.Start) {
			result = append(result, copyEvent(ev))
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Start.Before(result[j].Start)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CreateEvent stores a copy of event with a fresh ID
func (m *Memory) CreateEvent(ctx context.Context, event *model.Event) (*model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev := copyEvent(event)
	ev.ID = uuid.NewString()
	m.events = append(m.events, ev)
	return copyEvent(ev), nil
}

// Len returns the number of stored events
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func copyEvent(ev *model.Event) *model.Event {
	c := *ev
	if ev.Attendees != nil {
		c.Attendees = append([]string(nil), ev.Attendees...)
	}
	return &c
}
