package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/onboarder/pkg/utils/errutil"
)

// Dispatcher runs handlers in background goroutines detached from the caller's
// cancellation, and lets the owner wait for all of them on shutdown.
type Dispatcher struct {
	wg sync.WaitGroup
}

// Dispatch runs handler in a new goroutine. The handler context keeps ctx values
// such as the logger but is not canceled with ctx. Errors and panics are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, handler func(ctx context.Context) error) {
	bgCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				_ = errutil.Handle(bgCtx, goerr.New(fmt.Sprintf("panic: %v", r), goerr.V("task", name)), "panic in async task")
			}
		}()

		if err := handler(bgCtx); err != nil {
			_ = errutil.Handle(bgCtx, goerr.Wrap(err, "async task failed", goerr.V("task", name)), "async task failed")
		}
	}()
}

// Wait blocks until every dispatched handler returns or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
