package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/utils/logging"
	"google.golang.org/api/googleapi"
	"google.golang.org/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy is a bounded exponential-backoff retry policy
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Retryable decides whether err is transient. Nil means IsTransient.
	Retryable func(err error) bool
}

// Default returns three attempts with 200ms initial backoff doubling up to 5s
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Multiplier:     2.0,
	}
}

// Once returns a policy that never retries
func Once() Policy {
	return Policy{MaxAttempts: 1}
}

// Backoff returns the wait before the given retry (1-based)
func (p Policy) Backoff(retry int) time.Duration {
	if p.InitialBackoff <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < retry; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && time.Duration(d) > p.MaxBackoff {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// Do runs fn until it succeeds, returns a non-transient error, the attempt
// budget is spent, or ctx is done. The last error is returned wrapped with
// the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return goerr.Wrap(lastErr, "retry aborted", goerr.V("attempt", attempt))
			}
			return goerr.Wrap(err, "retry aborted before first attempt")
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !p.retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := p.Backoff(attempt)
		logging.From(ctx).Debug("retrying after transient error",
			"attempt", attempt,
			"max_attempts", attempts,
			"wait", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return goerr.Wrap(lastErr, "retry aborted", goerr.V("attempt", attempt))
		case <-timer.C:
		}
	}

	return goerr.Wrap(lastErr, "retry attempts exhausted", goerr.V("attempts", attempts))
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable regardless of the predicate
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable under IsTransient
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient classifies network failures, timeouts, rate limits and
// server-side errors from Google APIs and gRPC as transient. Cancellation
// and everything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var tr *transientError
	if errors.As(err, &tr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return transientStatus(gErr.Code)
	}

	// the Gemini client returns APIError by value
	var aiErr genai.APIError
	if errors.As(err, &aiErr) {
		return transientStatus(aiErr.Code)
	}
	var aiErrPtr *genai.APIError
	if errors.As(err, &aiErrPtr) && aiErrPtr != nil {
		return transientStatus(aiErrPtr.Code)
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return transientCode(s.Code())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func transientCode(c codes.Code) bool {
	switch c {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}
