package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/cenkalti/backoff/v5"
)

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 100 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 2 * time.Second
	}
	if c.MaxElapsedTime <= 0 {
		c.MaxElapsedTime = 10 * time.Second
	}
	return c
}

// Retrying retries operations of the wrapped repository that fail with an infrastructure
// error. Validation and not-found errors return at once.
type Retrying struct {
	next   job.Repository
	cfg    RetryConfig
	logger *slog.Logger
}

func WithRetry(next job.Repository, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{next: next, cfg: cfg.withDefaults(), logger: logger}
}

func retry[T any](ctx context.Context, r *Retrying, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.LevelOf(err, errors.ERR_INFRASTRUCTURE) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("repository operation failed, retrying", "op", op, "retry_in", next, "error", err)
		}),
	)
}

func (r *Retrying) Save(ctx context.Context, record *job.Record) (*job.Record, error) {
	return retry(ctx, r, "save", func() (*job.Record, error) { return r.next.Save(ctx, record) })
}

func (r *Retrying) Get(ctx context.Context, id string) (*job.Record, error) {
	return retry(ctx, r, "get", func() (*job.Record, error) { return r.next.Get(ctx, id) })
}

func (r *Retrying) Exists(ctx context.Context, id string) (bool, error) {
	return retry(ctx, r, "exists", func() (bool, error) { return r.next.Exists(ctx, id) })
}

func (r *Retrying) Delete(ctx context.Context, id string) (*job.Record, error) {
	return retry(ctx, r, "delete", func() (*job.Record, error) { return r.next.Delete(ctx, id) })
}

func (r *Retrying) FindAll(ctx context.Context) ([]*job.Record, error) {
	return retry(ctx, r, "find_all", func() ([]*job.Record, error) { return r.next.FindAll(ctx) })
}

func (r *Retrying) FindByStatusBetweenFireTimes(ctx context.Context, from, to time.Time, statuses ...job.Status) ([]*job.Record, error) {
	return retry(ctx, r, "find_window", func() ([]*job.Record, error) {
		return r.next.FindByStatusBetweenFireTimes(ctx, from, to, statuses...)
	})
}

func (r *Retrying) Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error) {
	return retry(ctx, r, "merge", func() (*job.Record, error) { return r.next.Merge(ctx, id, delta) })
}
