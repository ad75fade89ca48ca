package repository_test

import (
	"context"
	"os"
	"testing"

	"github.com/Deepreo/jobs/job"
	"github.com/Deepreo/jobs/modules/repository"
	"github.com/Deepreo/jobs/modules/repository/repositorytest"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Set JOBS_TEST_REDIS_ADDR (host:port) to run. Each subtest writes under its own key prefix.
func TestRedis(t *testing.T) {
	addr := os.Getenv("JOBS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBS_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })

	repositorytest.Run(t, func(t *testing.T) job.Repository {
		prefix := "jobs-test:" + uuid.NewString() + ":"
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		})
		return repository.NewRedis(client, prefix, clockwork.NewFakeClockAt(repositorytest.Base))
	})
}
