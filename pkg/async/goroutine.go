// Package async runs best-effort background work without leaking panics or
// goroutines.
package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/taskforge/taskforge/pkg/observability"
)

// Go executes fn in a goroutine with a detached deadline and panic recovery.
// The parent context supplies values (request ID, logger) but not
// cancellation: the work should finish even if the request that spawned it
// has already been answered.
func Go(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).
				Warn("background task failed")
		}
	}()
}
