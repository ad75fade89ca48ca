// Package repository holds the job.Repository implementations: an in-memory reference store,
// PostgreSQL, Redis and SQLite backends, and a retrying decorator.
//
// Every backend keeps the full record as a JSON document next to the indexed columns the
// scheduler queries by: status, fire time and priority.
package repository

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
)

// prepare validates a record for persistence and returns the normalised copy to store.
func prepare(record *job.Record, now time.Time) (*job.Record, error) {
	if err := record.Validate(); err != nil {
		return nil, job.Invalid(err)
	}
	r := record.Clone()
	if r.Status == "" {
		r.Status = job.StatusScheduled
	}
	r.FireTime = job.Timestamp(r.FireTime)
	r.Created = job.Timestamp(r.Created)
	if r.Created.IsZero() {
		r.Created = job.Timestamp(now)
	}
	r.LastUpdate = job.Timestamp(now)
	if r.ExecutionResponse != nil {
		r.ExecutionResponse.Timestamp = job.Timestamp(r.ExecutionResponse.Timestamp)
	}
	return r, nil
}

// merge applies a validated delta on top of current.
func merge(id string, current, delta *job.Record, now time.Time) (*job.Record, error) {
	if err := job.ValidateMergeDelta(id, delta); err != nil {
		return nil, err
	}
	merged, err := job.ApplyMerge(current, delta)
	if err != nil {
		return nil, err
	}
	return prepare(merged, now)
}

func encode(r *job.Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.AppError(err).WithCode(errors.CodeRepositoryFailure).WithMetadata("id", r.ID)
	}
	return data, nil
}

func decode(data []byte) (*job.Record, error) {
	var r job.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, failure(err)
	}
	return &r, nil
}

// failure marks a storage error. Infrastructure errors are the only ones WithRetry retries.
func failure(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsExtendError(err) {
		return err
	}
	return errors.InfraError(err).WithCode(errors.CodeRepositoryFailure)
}

func fireTimeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// matches reports whether r belongs to a FindByStatusBetweenFireTimes result. An empty status
// list matches every status.
func matches(r *job.Record, from, to time.Time, statuses []job.Status) bool {
	if r.FireTime.IsZero() || r.FireTime.Before(from) || !r.FireTime.Before(to) {
		return false
	}
	return len(statuses) == 0 || slices.Contains(statuses, r.Status)
}

// byPriority orders window results: higher priority first, then earlier fire time.
func byPriority(a, b *job.Record) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	return a.FireTime.Compare(b.FireTime)
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
