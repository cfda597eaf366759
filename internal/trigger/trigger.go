// Package trigger decides when runs happen. The engine itself only knows
// "run once" and "run every fixed interval"; cron-expression schedules are
// interpreted by an external scheduler collaborator which invokes the binary
// on its own clock.
package trigger

import (
	"context"
	"time"

	"github.com/vk/gridci/internal/ctxlog"
)

// Func is one scheduling invocation.
type Func func(ctx context.Context) error

// Once runs fn a single time.
func Once(ctx context.Context, fn Func) error {
	return fn(ctx)
}

// Every runs fn immediately and then once per interval until ctx is
// cancelled. A failing run does not stop the loop; the most recent error is
// returned when the loop ends.
func Every(ctx context.Context, interval time.Duration, fn Func) error {
	logger := ctxlog.FromContext(ctx)

	var lastErr error
	runOnce := func() {
		if err := fn(ctx); err != nil {
			lastErr = err
			logger.Error("Scheduled run failed.", "error", err)
		}
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return lastErr
			}
			return ctx.Err()
		case <-ticker.C:
			runOnce()
		}
	}
}
