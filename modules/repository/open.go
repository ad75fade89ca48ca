package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/Deepreo/jobs/modules/cache"
	"github.com/Deepreo/jobs/modules/database"
	"github.com/jonboulle/clockwork"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
)

type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type Config struct {
	Driver   string          `mapstructure:"driver"`
	Postgres database.Config `mapstructure:"postgres"`
	Redis    cache.Config    `mapstructure:"redis"`
	SQLite   SQLiteConfig    `mapstructure:"sqlite"`
	Retry    RetryConfig     `mapstructure:"retry"`
}

// Store is an opened backend: the retrying repository plus what the service needs to probe
// and release it.
type Store struct {
	Repository job.Repository
	Driver     string

	closer io.Closer
	ping   func(ctx context.Context) error
}

func (s *Store) Close() error {
	return s.closer.Close()
}

// HealthCheck reports whether the backend is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	if err := s.ping(ctx); err != nil {
		return errors.InfraError(err).WithCode(errors.CodeRepositoryFailure)
	}
	return nil
}

// Open builds the configured backend wrapped in WithRetry.
func Open(ctx context.Context, cfg Config, clock clockwork.Clock, logger *slog.Logger) (*Store, error) {
	var (
		repo   job.Repository
		closer io.Closer = nopCloser{}
		ping   func(ctx context.Context) error
	)
	switch cfg.Driver {
	case "", DriverMemory:
		repo = NewInMemory(clock)
	case DriverPostgres:
		db, err := database.New(ctx, &cfg.Postgres)
		if err != nil {
			return nil, errors.InfraError(err).WithCode(errors.CodeRepositoryFailure)
		}
		pg := NewPostgres(db.Pool, clock)
		if err := pg.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		repo, ping = pg, db.HealthCheck
		closer = closeFunc(func() error { db.Close(); return nil })
	case DriverRedis:
		rc, err := cache.New(ctx, &cfg.Redis)
		if err != nil {
			return nil, errors.InfraError(err).WithCode(errors.CodeRepositoryFailure)
		}
		repo, closer, ping = NewRedis(rc.Client(), cfg.Redis.Prefix, clock), rc, rc.HealthCheck
	case DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLite.Path, cfg.SQLite.BusyTimeout, clock)
		if err != nil {
			return nil, err
		}
		repo, closer, ping = s, s, s.Ping
	default:
		return nil, errors.ValidationError(fmt.Errorf("unknown repository driver %q", cfg.Driver))
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}
	logger.Info("job repository opened", "driver", driver)
	return &Store{
		Repository: WithRetry(repo, cfg.Retry, logger),
		Driver:     driver,
		closer:     closer,
		ping:       ping,
	}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closeFunc func() error

func (f closeFunc) Close() error { return f() }
