package retry_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/secmon-lab/onboarder/pkg/utils/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestPolicy_Do(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := fastPolicy(3).Do(t.Context(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return retry.Transient(errors.New("flaky"))
			}
			return nil
		})
		gt.NoError(t, err)
		gt.Value(t, calls).Equal(3)
	})

	t.Run("stops after max attempts", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("still down")
		err := fastPolicy(3).Do(t.Context(), func(ctx context.Context) error {
			calls++
			return retry.Transient(sentinel)
		})
		gt.Error(t, err).Is(sentinel)
		gt.Value(t, calls).Equal(3)
	})

	t.Run("does not retry non-transient errors", func(t *testing.T) {
		calls := 0
		err := fastPolicy(5).Do(t.Context(), func(ctx context.Context) error {
			calls++
			return errors.New("schema mismatch")
		})
		gt.Error(t, err)
		gt.Value(t, calls).Equal(1)
	})

	t.Run("permanent overrides custom predicate", func(t *testing.T) {
		calls := 0
		p := fastPolicy(5)
		p.Retryable = func(error) bool { return true }
		err := p.Do(t.Context(), func(ctx context.Context) error {
			calls++
			return retry.Permanent(errors.New("bad request"))
		})
		gt.Error(t, err)
		gt.Value(t, calls).Equal(1)
	})

	t.Run("aborts when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		calls := 0
		p := retry.Policy{MaxAttempts: 5, InitialBackoff: time.Hour}
		err := p.Do(ctx, func(ctx context.Context) error {
			calls++
			cancel()
			return retry.Transient(errors.New("flaky"))
		})
		gt.Error(t, err)
		gt.Value(t, calls).Equal(1)
	})

	t.Run("once never retries", func(t *testing.T) {
		calls := 0
		err := retry.Once().Do(t.Context(), func(ctx context.Context) error {
			calls++
			return retry.Transient(errors.New("flaky"))
		})
		gt.Error(t, err)
		gt.Value(t, calls).Equal(1)
	})
}

func TestPolicy_Backoff(t *testing.T) {
	p := retry.Policy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 350 * time.Millisecond, Multiplier: 2}
	gt.Value(t, p.Backoff(1)).Equal(100 * time.Millisecond)
	gt.Value(t, p.Backoff(2)).Equal(200 * time.Millisecond)
	gt.Value(t, p.Backoff(3)).Equal(350 * time.Millisecond)
	gt.Value(t, p.Backoff(10)).Equal(350 * time.Millisecond)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("x"), want: false},
		{name: "deadline exceeded", err: goerr.Wrap(context.DeadlineExceeded, "timeout"), want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "google 429", err: &googleapi.Error{Code: http.StatusTooManyRequests}, want: true},
		{name: "google 503", err: goerr.Wrap(&googleapi.Error{Code: http.StatusServiceUnavailable}, "x"), want: true},
		{name: "google 400", err: &googleapi.Error{Code: http.StatusBadRequest}, want: false},
		{name: "gemini 429", err: genai.APIError{Code: http.StatusTooManyRequests}, want: true},
		{name: "gemini 503 wrapped", err: goerr.Wrap(genai.APIError{Code: http.StatusServiceUnavailable}, "embed"), want: true},
		{name: "gemini 500 pointer", err: &genai.APIError{Code: http.StatusInternalServerError}, want: true},
		{name: "gemini 400", err: genai.APIError{Code: http.StatusBadRequest}, want: false},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "down"), want: true},
		{name: "grpc invalid argument", err: status.Error(codes.InvalidArgument, "bad"), want: false},
		{name: "marked transient", err: retry.Transient(errors.New("x")), want: true},
		{name: "marked permanent", err: retry.Permanent(context.DeadlineExceeded), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.Value(t, retry.IsTransient(tt.err)).Equal(tt.want)
		})
	}
}
