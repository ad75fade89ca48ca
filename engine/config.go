package engine

import "time"

type Config struct {
	// BackoffRetry is the delay before re-attempting a failed execution.
	BackoffRetry time.Duration `mapstructure:"backoff_retry"`
	// MaxIntervalLimitToRetry caps BackoffRetry.
	MaxIntervalLimitToRetry time.Duration `mapstructure:"max_interval_limit_to_retry"`
	// SchedulerChunk is the lookahead window loaded into timers at once.
	SchedulerChunk time.Duration `mapstructure:"chunk"`
	// ForceExecuteExpiredJobs fires jobs whose fire time has passed right away; otherwise they
	// are moved to now + ExpiredJobOffset.
	ForceExecuteExpiredJobs bool `mapstructure:"force_execute_expired_jobs"`
	// ForceExecuteExpiredJobsOnServiceStart enables the catch-up pass on Start.
	ForceExecuteExpiredJobsOnServiceStart bool          `mapstructure:"force_execute_expired_jobs_on_service_start"`
	DefaultExecutionTimeout               time.Duration `mapstructure:"default_execution_timeout"`
	ExpiredJobOffset                      time.Duration `mapstructure:"expired_job_offset"`
}

func DefaultConfig() Config {
	return Config{
		BackoffRetry:                          time.Second,
		MaxIntervalLimitToRetry:               time.Minute,
		SchedulerChunk:                        10 * time.Minute,
		ForceExecuteExpiredJobs:               true,
		ForceExecuteExpiredJobsOnServiceStart: true,
		DefaultExecutionTimeout:               30 * time.Second,
		ExpiredJobOffset:                      time.Second,
	}
}

// withDefaults fills unset durations. Booleans are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackoffRetry <= 0 {
		c.BackoffRetry = d.BackoffRetry
	}
	if c.MaxIntervalLimitToRetry <= 0 {
		c.MaxIntervalLimitToRetry = d.MaxIntervalLimitToRetry
	}
	if c.SchedulerChunk <= 0 {
		c.SchedulerChunk = d.SchedulerChunk
	}
	if c.DefaultExecutionTimeout <= 0 {
		c.DefaultExecutionTimeout = d.DefaultExecutionTimeout
	}
	if c.ExpiredJobOffset <= 0 {
		c.ExpiredJobOffset = d.ExpiredJobOffset
	}
	return c
}

// retryDelay is the backoff applied after a failed attempt.
func (c Config) retryDelay() time.Duration {
	return min(c.BackoffRetry, c.MaxIntervalLimitToRetry)
}
