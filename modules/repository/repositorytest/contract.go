// Package repositorytest is the behaviour every job.Repository must share. Backend test files
// call Run with a factory returning an empty repository.
package repositorytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Base is the instant fixture fire times are derived from.
var Base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// Fixture builds a valid, fully populated record.
func Fixture(id string, fireTime time.Time) *job.Record {
	return &job.Record{
		ID:            id,
		CorrelationID: "corr-" + id,
		Trigger:       job.Interval{Start: fireTime, Period: time.Minute, RepeatLimit: 5},
		Recipient: job.HTTPRecipient{
			URL:         "http://localhost:8080/callback",
			Method:      "POST",
			Headers:     map[string]string{"X-Tenant": "acme"},
			QueryParams: map[string]string{"source": "jobs"},
			Payload:     json.RawMessage(`{"id":"` + id + `"}`),
		},
		Status:           job.StatusScheduled,
		Priority:         1,
		Retries:          3,
		ExecutionCounter: 0,
		FireTime:         fireTime,
		ExecutionTimeout: 1500 * time.Millisecond,
		Created:          Base,
	}
}

// Run executes the contract suite against repositories built by newRepo.
func Run(t *testing.T, newRepo func(t *testing.T) job.Repository) {
	ctx := context.Background()

	t.Run("SaveGetRoundTrip", func(t *testing.T) {
		repo := newRepo(t)
		rec := Fixture("job-1", Base.Add(time.Minute))
		rec.ExecutionCounter = 2
		rec.ExecutionResponse = &job.ExecutionResponse{Code: "200", Message: "OK", Timestamp: Base, Success: true}

		saved, err := repo.Save(ctx, rec)
		require.NoError(t, err)
		assert.False(t, saved.LastUpdate.IsZero(), "save stamps lastUpdate")

		got, err := repo.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, saved, got)
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		repo := newRepo(t)
		rec := Fixture("job-1", Base)
		rec.CorrelationID = " "

		_, err := repo.Save(ctx, rec)
		require.Error(t, err)
		assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION))

		exists, err := repo.Exists(ctx, "job-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("SaveUpserts", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Save(ctx, Fixture("job-1", Base))
		require.NoError(t, err)

		rec := Fixture("job-1", Base.Add(time.Hour))
		rec.Status = job.StatusRetry
		_, err = repo.Save(ctx, rec)
		require.NoError(t, err)

		got, err := repo.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusRetry, got.Status)
		assert.True(t, Base.Add(time.Hour).Equal(got.FireTime))

		all, err := repo.FindAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, "missing")
		require.Error(t, err)
		assert.True(t, job.IsNotFound(err))
	})

	t.Run("ExistsAndDelete", func(t *testing.T) {
		repo := newRepo(t)
		saved, err := repo.Save(ctx, Fixture("job-1", Base))
		require.NoError(t, err)

		exists, err := repo.Exists(ctx, "job-1")
		require.NoError(t, err)
		assert.True(t, exists)

		deleted, err := repo.Delete(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, saved, deleted)

		exists, err = repo.Exists(ctx, "job-1")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = repo.Delete(ctx, "job-1")
		assert.True(t, job.IsNotFound(err))

		window, err := repo.FindByStatusBetweenFireTimes(ctx, Base.Add(-time.Hour), Base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, window)
	})

	t.Run("FindAll", func(t *testing.T) {
		repo := newRepo(t)
		for i := range 3 {
			_, err := repo.Save(ctx, Fixture(fmt.Sprintf("job-%d", i), Base))
			require.NoError(t, err)
		}
		all, err := repo.FindAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("WindowFiltersAndOrders", func(t *testing.T) {
		repo := newRepo(t)
		save := func(id string, fire time.Time, status job.Status, priority int) {
			rec := Fixture(id, fire)
			rec.Status = status
			rec.Priority = priority
			if status.IsTerminal() {
				rec.ScheduledID = ""
			}
			_, err := repo.Save(ctx, rec)
			require.NoError(t, err)
		}
		save("low", Base.Add(1*time.Minute), job.StatusScheduled, 1)
		save("high", Base.Add(2*time.Minute), job.StatusRetry, 9)
		save("mid", Base.Add(3*time.Minute), job.StatusScheduled, 5)
		save("at-start", Base, job.StatusScheduled, 0)
		save("at-end", Base.Add(10*time.Minute), job.StatusScheduled, 7)
		save("before", Base.Add(-time.Millisecond), job.StatusScheduled, 8)
		save("done", Base.Add(4*time.Minute), job.StatusExecuted, 10)

		got, err := repo.FindByStatusBetweenFireTimes(ctx, Base, Base.Add(10*time.Minute), job.StatusScheduled, job.StatusRetry)
		require.NoError(t, err)

		var ids []string
		for _, r := range got {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"high", "mid", "low", "at-start"}, ids, "[from, to) ordered by priority descending")

		terminal, err := repo.FindByStatusBetweenFireTimes(ctx, Base, Base.Add(10*time.Minute), job.StatusExecuted)
		require.NoError(t, err)
		require.Len(t, terminal, 1)
		assert.Equal(t, "done", terminal[0].ID)
	})

	t.Run("WindowFollowsStatusChange", func(t *testing.T) {
		repo := newRepo(t)
		rec := Fixture("job-1", Base)
		_, err := repo.Save(ctx, rec)
		require.NoError(t, err)

		rec.Status = job.StatusCanceled
		_, err = repo.Save(ctx, rec)
		require.NoError(t, err)

		active, err := repo.FindByStatusBetweenFireTimes(ctx, Base, Base.Add(time.Minute), job.ActiveStatuses...)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("MergeRecipientOnly", func(t *testing.T) {
		repo := newRepo(t)
		rec := Fixture("job-1", Base)
		rec.ExecutionCounter = 1
		saved, err := repo.Save(ctx, rec)
		require.NoError(t, err)

		merged, err := repo.Merge(ctx, "job-1", &job.Record{
			Recipient: job.HTTPRecipient{URL: "http://localhost:9090/other", Method: "PUT"},
		})
		require.NoError(t, err)

		assert.Equal(t, saved.ID, merged.ID)
		assert.Equal(t, saved.Status, merged.Status)
		assert.Equal(t, saved.Retries, merged.Retries)
		assert.Equal(t, saved.ExecutionCounter, merged.ExecutionCounter)
		assert.Equal(t, "http://localhost:9090/other", merged.Recipient.(job.HTTPRecipient).URL)

		got, err := repo.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, merged, got)
	})

	t.Run("MergeScheduleMovesWindow", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Save(ctx, Fixture("job-1", Base))
		require.NoError(t, err)

		later := Base.Add(24 * time.Hour)
		merged, err := repo.Merge(ctx, "job-1", &job.Record{Trigger: job.PointInTime{FireAt: later}})
		require.NoError(t, err)
		assert.True(t, later.Equal(merged.FireTime))

		old, err := repo.FindByStatusBetweenFireTimes(ctx, Base, Base.Add(time.Hour), job.ActiveStatuses...)
		require.NoError(t, err)
		assert.Empty(t, old)

		moved, err := repo.FindByStatusBetweenFireTimes(ctx, later, later.Add(time.Hour), job.ActiveStatuses...)
		require.NoError(t, err)
		assert.Len(t, moved, 1)
	})

	t.Run("MergeRejections", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Save(ctx, Fixture("job-1", Base))
		require.NoError(t, err)

		_, err = repo.Merge(ctx, "job-1", &job.Record{Status: job.StatusExecuted})
		assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION), "status in delta: %v", err)

		_, err = repo.Merge(ctx, "", &job.Record{Priority: 2})
		assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION), "blank id: %v", err)

		_, err = repo.Merge(ctx, "job-1", &job.Record{ID: "job-2", Priority: 2})
		assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION), "id mismatch: %v", err)

		_, err = repo.Merge(ctx, "missing", &job.Record{Priority: 2})
		assert.True(t, job.IsNotFound(err), "missing: %v", err)

		got, err := repo.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.StatusScheduled, got.Status)
	})

	t.Run("ConcurrentSavesSameID", func(t *testing.T) {
		repo := newRepo(t)
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := Fixture("job-1", Base.Add(time.Duration(i)*time.Minute))
				rec.Priority = i
				_, err := repo.Save(ctx, rec)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := repo.Get(ctx, "job-1")
		require.NoError(t, err)
		// Last write wins, but never a mix of two writes.
		assert.True(t, Base.Add(time.Duration(got.Priority)*time.Minute).Equal(got.FireTime))

		window, err := repo.FindByStatusBetweenFireTimes(ctx, Base, Base.Add(time.Hour), job.StatusScheduled)
		require.NoError(t, err)
		assert.Len(t, window, 1)
	})
}
