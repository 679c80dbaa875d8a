package tool

import (
	"context"
	"time"
)

// ClockFunc returns the current time. Tools resolve relative dates and reject
// past events against it.
type ClockFunc func() time.Time

type clockKey struct{}
type locationKey struct{}

// WithClock returns a context carrying the given clock
func WithClock(ctx context.Context, fn ClockFunc) context.Context {
	return context.WithValue(ctx, clockKey{}, fn)
}

// WithLocation returns a context carrying the user's timezone
func WithLocation(ctx context.Context, loc *time.Location) context.Context {
	return context.WithValue(ctx, locationKey{}, loc)
}

// Now returns the time from the clock stored in ctx, in the stored location.
// Without a clock, time.Now is used.
func Now(ctx context.Context) time.Time {
	now := time.Now()
	if fn, ok := ctx.Value(clockKey{}).(ClockFunc); ok && fn != nil {
		now = fn()
	}
	return now.In(Location(ctx))
}

// Location returns the timezone stored in ctx, or UTC
func Location(ctx context.Context) *time.Location {
	if loc, ok := ctx.Value(locationKey{}).(*time.Location); ok && loc != nil {
		return loc
	}
	return time.UTC
}
