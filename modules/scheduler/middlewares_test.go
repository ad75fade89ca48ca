package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecover(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	fn := Recover(logger)(func(ctx context.Context) error {
		panic("boom")
	})
	err := fn(context.Background())
	assert.EqualError(t, err, "panic: boom")
	assert.Contains(t, buf.String(), "scheduled job panicked")

	sentinel := errors.New("plain failure")
	fn = Recover(logger)(func(ctx context.Context) error { return sentinel })
	assert.ErrorIs(t, fn(context.Background()), sentinel)
}

func TestSlowJobs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	fast := SlowJobs(logger, time.Second)(func(ctx context.Context) error { return nil })
	assert.NoError(t, fast(context.Background()))
	assert.Empty(t, buf.String())

	slow := SlowJobs(logger, time.Millisecond)(func(ctx context.Context) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	assert.NoError(t, slow(context.Background()))
	assert.Contains(t, buf.String(), "scheduled job slow")
}
