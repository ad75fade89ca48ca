package core

import (
	"context"
	"time"
)

// JobFunc is the body of a timer or periodic job.
type JobFunc func(ctx context.Context) error

// SchedulerMiddleware wraps a JobFunc to add cross-cutting concerns.
type SchedulerMiddleware func(next JobFunc) JobFunc

// TimerService is the in-process timer subsystem. It owns only ephemeral, process-lifetime
// state: one-shot timers addressed by opaque handles and named periodic jobs.
type TimerService interface {
	Start()
	Shutdown() error
	// RegisterJob runs fn every interval under name. Runs of the same job never overlap.
	RegisterJob(name string, fn JobFunc, interval time.Duration) error
	RemoveJob(name string) error
	// ScheduleOnce arms a one-shot timer firing fn at at, immediately when at is not in the
	// future, and returns its handle.
	ScheduleOnce(name string, at time.Time, fn JobFunc) (string, error)
	// Unschedule disarms a timer. Unknown or already fired handles are not an error.
	Unschedule(handle string) error
	// Clear removes every timer and periodic job.
	Clear() error
	Use(middleware ...SchedulerMiddleware)
}
