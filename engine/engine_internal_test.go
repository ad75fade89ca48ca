package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ForceExecuteExpiredJobs: false}.withDefaults()
	assert.Equal(t, time.Second, cfg.BackoffRetry)
	assert.Equal(t, time.Minute, cfg.MaxIntervalLimitToRetry)
	assert.Equal(t, 10*time.Minute, cfg.SchedulerChunk)
	assert.Equal(t, 30*time.Second, cfg.DefaultExecutionTimeout)
	assert.False(t, cfg.ForceExecuteExpiredJobs, "booleans are not defaulted")

	d := DefaultConfig()
	assert.True(t, d.ForceExecuteExpiredJobs)
	assert.True(t, d.ForceExecuteExpiredJobsOnServiceStart)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := Config{BackoffRetry: 5 * time.Minute, MaxIntervalLimitToRetry: time.Minute}
	assert.Equal(t, time.Minute, cfg.retryDelay())

	cfg.BackoffRetry = time.Second
	assert.Equal(t, time.Second, cfg.retryDelay())
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
		maxSeen int
		active  int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("job-1")
			mu.Lock()
			active++
			maxSeen = max(maxSeen, active)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			counter++
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 1, maxSeen, "one holder per key")
	assert.Empty(t, k.locks, "entries are dropped when released")

	// Different keys do not block each other.
	unlockA := k.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := k.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}
	unlockA()
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "STARTING", StateStarting.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "STOPPING", StateStopping.String())
	assert.True(t, StateStarting.active())
	assert.False(t, StateStopping.active())
}
