package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStarted(t *testing.T) *InMemoryScheduler {
	t.Helper()
	s, err := NewInMemoryScheduler()
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestInMemoryScheduler_RegisterJob(t *testing.T) {
	s := newStarted(t)

	done := make(chan struct{}, 1)
	err := s.RegisterJob("chunk-loop", func(ctx context.Context) error {
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Job did not run in time")
	}

	assert.Error(t, s.RegisterJob("chunk-loop", func(ctx context.Context) error { return nil }, time.Second),
		"names are unique")
}

func TestInMemoryScheduler_RemoveJob(t *testing.T) {
	s := newStarted(t)

	var runs atomic.Int32
	err := s.RegisterJob("remove-job", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, 100*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, 10*time.Millisecond)
	require.NoError(t, s.RemoveJob("remove-job"))

	current := runs.Load()
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, current, runs.Load(), "Job should not run after removal")
	assert.Error(t, s.RemoveJob("remove-job"))
}

func TestInMemoryScheduler_ScheduleOnce(t *testing.T) {
	s := newStarted(t)

	fired := make(chan time.Time, 2)
	at := time.Now().Add(150 * time.Millisecond)
	handle, err := s.ScheduleOnce("job-1", at, func(ctx context.Context) error {
		fired <- time.Now()
		return nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, handle)
	assert.Equal(t, 1, s.Armed())

	select {
	case got := <-fired:
		assert.False(t, got.Before(at.Add(-10*time.Millisecond)), "fired early")
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	select {
	case <-fired:
		t.Fatal("one-shot timer fired twice")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Armed())
	assert.NoError(t, s.Unschedule(handle), "a fired handle unschedules quietly")
}

func TestInMemoryScheduler_ScheduleOnceInPast(t *testing.T) {
	s := newStarted(t)

	fired := make(chan struct{})
	_, err := s.ScheduleOnce("late", time.Now().Add(-time.Hour), func(ctx context.Context) error {
		close(fired)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("past timer did not fire immediately")
	}
}

func TestInMemoryScheduler_Unschedule(t *testing.T) {
	s := newStarted(t)

	var fired atomic.Bool
	handle, err := s.ScheduleOnce("job-2", time.Now().Add(200*time.Millisecond), func(ctx context.Context) error {
		fired.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Unschedule(handle))
	require.NoError(t, s.Unschedule(handle))
	require.NoError(t, s.Unschedule("never-armed"))

	time.Sleep(400 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestInMemoryScheduler_Clear(t *testing.T) {
	s := newStarted(t)

	require.NoError(t, s.RegisterJob("job1", func(ctx context.Context) error { return nil }, time.Second))
	_, err := s.ScheduleOnce("job2", time.Now().Add(time.Hour), func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	require.NoError(t, s.Clear())

	assert.Equal(t, 0, s.Armed())
	assert.Error(t, s.RemoveJob("job1"), "Job should be gone")
}

func TestInMemoryScheduler_Middleware(t *testing.T) {
	s := newStarted(t)

	var middlewareCalled atomic.Bool
	s.Use(func(next core.JobFunc) core.JobFunc {
		return func(ctx context.Context) error {
			middlewareCalled.Store(true)
			return next(ctx)
		}
	})

	done := make(chan struct{})
	_, err := s.ScheduleOnce("middleware-job", time.Now(), func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
		assert.True(t, middlewareCalled.Load(), "Middleware should have been called")
	case <-time.After(time.Second):
		t.Fatal("Job did not run in time")
	}
}
