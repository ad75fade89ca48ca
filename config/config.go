// Package config loads the service configuration with viper: defaults, then an optional
// YAML or TOML file, then JOBS_ prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Deepreo/jobs/engine"
	"github.com/Deepreo/jobs/modules/auth"
	"github.com/Deepreo/jobs/modules/database"
	"github.com/Deepreo/jobs/modules/event"
	"github.com/Deepreo/jobs/modules/executor"
	"github.com/Deepreo/jobs/modules/repository"
	"github.com/Deepreo/jobs/modules/servers"
	"github.com/spf13/viper"
)

const EnvPrefix = "JOBS"

type Config struct {
	Scheduler  engine.Config            `mapstructure:"scheduler"`
	Repository repository.Config        `mapstructure:"repository"`
	Executor   ExecutorConfig           `mapstructure:"executor"`
	Events     event.Config             `mapstructure:"events"`
	HTTP       servers.HttpServerConfig `mapstructure:"http"`
	Auth       auth.Config              `mapstructure:"auth"`
	Log        LogConfig                `mapstructure:"log"`
}

type ExecutorConfig struct {
	HTTP    executor.HTTPConfig `mapstructure:"http"`
	Message MessageConfig       `mapstructure:"message"`
}

// MessageConfig enables delivery of message recipients on the in-process event bus.
type MessageConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// secretKeys are masked by Settings.
var secretKeys = []string{
	"auth.secret_key",
	"repository.postgres.url",
	"repository.postgres.password",
	"repository.redis.password",
	"http.features.swagger_ui.token",
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	sched := engine.DefaultConfig()
	v.SetDefault("scheduler.backoff_retry", sched.BackoffRetry)
	v.SetDefault("scheduler.max_interval_limit_to_retry", sched.MaxIntervalLimitToRetry)
	v.SetDefault("scheduler.chunk", sched.SchedulerChunk)
	v.SetDefault("scheduler.force_execute_expired_jobs", sched.ForceExecuteExpiredJobs)
	v.SetDefault("scheduler.force_execute_expired_jobs_on_service_start", sched.ForceExecuteExpiredJobsOnServiceStart)
	v.SetDefault("scheduler.default_execution_timeout", sched.DefaultExecutionTimeout)
	v.SetDefault("scheduler.expired_job_offset", sched.ExpiredJobOffset)

	// Repository
	v.SetDefault("repository.driver", repository.DriverMemory)
	v.SetDefault("repository.retry.initial_interval", 100*time.Millisecond)
	v.SetDefault("repository.retry.max_interval", 2*time.Second)
	v.SetDefault("repository.retry.max_elapsed_time", 10*time.Second)
	v.SetDefault("repository.sqlite.path", "jobs.db")
	v.SetDefault("repository.sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("repository.postgres.url", "")
	v.SetDefault("repository.postgres.host", "localhost")
	v.SetDefault("repository.postgres.port", "5432")
	v.SetDefault("repository.postgres.user", "jobs")
	v.SetDefault("repository.postgres.password", "")
	v.SetDefault("repository.postgres.dbname", "jobs")
	v.SetDefault("repository.postgres.sslmode", "disable")
	v.SetDefault("repository.postgres.max_conns", 10)
	v.SetDefault("repository.postgres.min_conns", 0)
	v.SetDefault("repository.postgres.max_conn_idle_time", 30*time.Minute)
	v.SetDefault("repository.postgres.connect_timeout", database.DefaultConnectTimeout)
	v.SetDefault("repository.redis.host", "localhost")
	v.SetDefault("repository.redis.port", "6379")
	v.SetDefault("repository.redis.password", "")
	v.SetDefault("repository.redis.db", 0)
	v.SetDefault("repository.redis.prefix", "jobs:")
	v.SetDefault("repository.redis.pool_size", 10)
	v.SetDefault("repository.redis.dial_timeout", 5*time.Second)

	// Executors
	v.SetDefault("executor.http.timeout", 30*time.Second)
	v.SetDefault("executor.http.rate_limit", 0)
	v.SetDefault("executor.http.burst", 1)
	v.SetDefault("executor.http.user_agent", "jobs-service")
	v.SetDefault("executor.message.enabled", false)

	// Event bus
	v.SetDefault("events.poison_queue_topic", event.DefaultPoisonQueueTopic)
	v.SetDefault("events.max_retries", 3)
	v.SetDefault("events.output_buffer", 256)
	v.SetDefault("events.initial_interval", 100*time.Millisecond)
	v.SetDefault("events.max_interval", time.Second)

	// HTTP server
	v.SetDefault("http.host", servers.DefaultHost)
	v.SetDefault("http.port", servers.DefaultPort)
	v.SetDefault("http.read_timeout", servers.DefaultReadTimeout.String())
	v.SetDefault("http.write_timeout", servers.DefaultWriteTimeout.String())
	v.SetDefault("http.server_header", "jobs-service")
	v.SetDefault("http.body_limit", servers.DefaultBodyLimit)
	v.SetDefault("http.allowed_origins", servers.DefaultAllowedOrigins)
	v.SetDefault("http.features.request_id.enabled", true)
	v.SetDefault("http.features.health_check.enabled", true)
	v.SetDefault("http.features.rate_limit.enabled", false)
	v.SetDefault("http.features.rate_limit.max", 100)
	v.SetDefault("http.features.rate_limit.expiration", "1m")
	v.SetDefault("http.features.proxy.enabled", false)
	v.SetDefault("http.features.proxy.proxy_header", "")
	v.SetDefault("http.features.proxy.trusted_proxies", []string{})
	v.SetDefault("http.features.etag.enabled", false)
	v.SetDefault("http.features.elastic_apm.enabled", false)
	v.SetDefault("http.features.swagger_ui.enabled", false)
	v.SetDefault("http.features.swagger_ui.path", servers.DefaultSwaggerUIPath)
	v.SetDefault("http.features.swagger_ui.token", "")

	// Auth
	a := auth.DefaultConfig()
	v.SetDefault("auth.enabled", a.Enabled)
	v.SetDefault("auth.secret_key", "")
	v.SetDefault("auth.issuer", a.Issuer)
	v.SetDefault("auth.token_expiration", a.TokenExpiration)
	v.SetDefault("auth.leeway", a.Leeway)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return v, nil
}

// Load reads the configuration. An empty path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Settings returns the effective settings as a nested map with secrets masked.
func Settings(path string) (map[string]any, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	for _, key := range secretKeys {
		if v.GetString(key) != "" {
			v.Set(key, "******")
		}
	}
	return v.AllSettings(), nil
}

func (c *Config) Validate() error {
	s := c.Scheduler
	for name, d := range map[string]time.Duration{
		"scheduler.backoff_retry":               s.BackoffRetry,
		"scheduler.max_interval_limit_to_retry": s.MaxIntervalLimitToRetry,
		"scheduler.chunk":                       s.SchedulerChunk,
		"scheduler.default_execution_timeout":   s.DefaultExecutionTimeout,
		"scheduler.expired_job_offset":          s.ExpiredJobOffset,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch c.Repository.Driver {
	case repository.DriverMemory, repository.DriverPostgres, repository.DriverRedis, repository.DriverSQLite:
	default:
		return fmt.Errorf("unknown repository driver %q", c.Repository.Driver)
	}
	if c.Executor.HTTP.RateLimit < 0 {
		return fmt.Errorf("executor.http.rate_limit must not be negative")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
