package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Deepreo/jobs/modules/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Scheduler.BackoffRetry)
	assert.Equal(t, time.Minute, cfg.Scheduler.MaxIntervalLimitToRetry)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.SchedulerChunk)
	assert.True(t, cfg.Scheduler.ForceExecuteExpiredJobs)
	assert.True(t, cfg.Scheduler.ForceExecuteExpiredJobsOnServiceStart)

	assert.Equal(t, repository.DriverMemory, cfg.Repository.Driver)
	assert.Equal(t, 30*time.Second, cfg.Executor.HTTP.Timeout)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.True(t, cfg.HTTP.Features.HealthCheck.Enabled)
	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
scheduler:
  backoff_retry: 250ms
  chunk: 5m
  force_execute_expired_jobs: false
repository:
  driver: sqlite
  sqlite:
    path: /var/lib/jobs/jobs.db
http:
  port: "9090"
log:
  level: debug
  format: json
`), 0o600))

	t.Setenv("JOBS_SCHEDULER_CHUNK", "15m")
	t.Setenv("JOBS_EXECUTOR_HTTP_RATE_LIMIT", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.BackoffRetry)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.SchedulerChunk, "environment wins over the file")
	assert.False(t, cfg.Scheduler.ForceExecuteExpiredJobs)
	assert.Equal(t, repository.DriverSQLite, cfg.Repository.Driver)
	assert.Equal(t, "/var/lib/jobs/jobs.db", cfg.Repository.SQLite.Path)
	assert.Equal(t, 20.0, cfg.Executor.HTTP.RateLimit)
	assert.Equal(t, "9090", cfg.HTTP.Port)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejects(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("UnknownDriver", func(t *testing.T) {
		t.Setenv("JOBS_REPOSITORY_DRIVER", "mongo")
		_, err := Load("")
		assert.ErrorContains(t, err, "mongo")
	})

	t.Run("AuthWithoutSecret", func(t *testing.T) {
		t.Setenv("JOBS_AUTH_ENABLED", "true")
		_, err := Load("")
		assert.ErrorContains(t, err, "auth")
	})

	t.Run("BadLogLevel", func(t *testing.T) {
		t.Setenv("JOBS_LOG_LEVEL", "loud")
		_, err := Load("")
		assert.Error(t, err)
	})

	t.Run("NegativeBackoff", func(t *testing.T) {
		t.Setenv("JOBS_SCHEDULER_BACKOFF_RETRY", "-1s")
		_, err := Load("")
		assert.ErrorContains(t, err, "scheduler.backoff_retry")
	})
}

func TestSettingsMasksSecrets(t *testing.T) {
	t.Setenv("JOBS_AUTH_SECRET_KEY", "super-secret-value-that-is-long-enough")

	settings, err := Settings("")
	require.NoError(t, err)

	authSettings, ok := settings["auth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "******", authSettings["secret_key"])
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "job_id", "j1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "j1", line["job_id"])
	assert.Equal(t, "jobs-service", line["service"])

	level, err := parseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
