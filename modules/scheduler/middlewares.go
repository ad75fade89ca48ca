package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Deepreo/jobs/core"
)

// Recover turns a panicking job into an error so one bad timer cannot take the process down.
func Recover(logger *slog.Logger) core.SchedulerMiddleware {
	return func(next core.JobFunc) core.JobFunc {
		return func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("scheduled job panicked", "panic", r, "stack", string(debug.Stack()))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx)
		}
	}
}

// SlowJobs logs runs that take longer than threshold.
func SlowJobs(logger *slog.Logger, threshold time.Duration) core.SchedulerMiddleware {
	return func(next core.JobFunc) core.JobFunc {
		return func(ctx context.Context) error {
			start := time.Now()
			err := next(ctx)
			if took := time.Since(start); took > threshold {
				logger.Warn("scheduled job slow", "took", took, "threshold", threshold)
			}
			return err
		}
	}
}
