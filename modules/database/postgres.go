// Package database opens the pgx pool behind the postgres job repository.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

const DefaultConnectTimeout = 5 * time.Second

type Config struct {
	// URL, when set, wins over the discrete connection fields.
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// ConnString returns the pgx connection string for cfg.
func (cfg *Config) ConnString() string {
	if cfg.URL != "" {
		return cfg.URL
	}
	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s", cfg.Host, cfg.Port, cfg.User, cfg.DBName)
	if cfg.Password != "" {
		dsn += " password=" + cfg.Password
	}
	if cfg.SSLMode != "" {
		dsn += " sslmode=" + cfg.SSLMode
	}
	return dsn
}

type Database struct {
	Pool *pgxpool.Pool
}

// New opens the pool and pings it once. Failures are infrastructure errors.
func New(ctx context.Context, cfg *Config) (*Database, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, errors.ValidationError(fmt.Errorf("failed to parse database config: %w", err))
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.InfraError(fmt.Errorf("failed to create database pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.InfraError(fmt.Errorf("failed to ping database %s/%s: %w", poolConfig.ConnConfig.Host, poolConfig.ConnConfig.Database, err))
	}
	return &Database{Pool: pool}, nil
}

func (db *Database) Close() {
	db.Pool.Close()
}

// HealthCheck pings the pool with a one second budget.
func (db *Database) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}
