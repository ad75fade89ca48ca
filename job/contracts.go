package job

import (
	"context"
	"time"

	"github.com/Deepreo/jobs/errors"
)

// ErrNotFound is the root of every missing-job error; match it with errors.Is.
var ErrNotFound = errors.New("job not found")

// NotFound builds the error returned when id has no record.
func NotFound(id string) error {
	return errors.NotFoundError(errors.Errorf("job %q: %w", id, ErrNotFound)).
		WithCode(errors.CodeJobNotFound).
		WithMetadata("id", id)
}

// IsNotFound reports whether err means a missing job.
func IsNotFound(err error) bool {
	return errors.Is(ErrNotFound, err)
}

// Invalid builds a validation error for a rejected record.
func Invalid(err error) error {
	return errors.ValidationError(err).WithCode(errors.CodeInvalidJob)
}

// Repository is the durable store of job records. It is the single source of truth:
// every mutation is a read-current, apply-delta, write-back.
type Repository interface {
	// Save upserts by id, atomically per id, and stamps LastUpdate.
	Save(ctx context.Context, record *Record) (*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) (*Record, error)
	FindAll(ctx context.Context) ([]*Record, error)
	// FindByStatusBetweenFireTimes returns records whose fire time is in [from, to),
	// ordered by priority descending.
	FindByStatusBetweenFireTimes(ctx context.Context, from, to time.Time, statuses ...Status) ([]*Record, error)
	Merge(ctx context.Context, id string, delta *Record) (*Record, error)
}

// ExecutionRequest is what an executor receives for one attempt.
type ExecutionRequest struct {
	Record *Record
	// RemainingRepeats counts the occurrences left after this one, -1 when unlimited.
	RemainingRepeats int
}

// Executor delivers a job over one transport. Transport failures are reported as a
// failed ExecutionResponse; the error return is reserved for malformed recipient data.
type Executor interface {
	Accepts(kind RecipientKind) bool
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResponse, error)
}

// EventSink receives every status transition.
type EventSink interface {
	Record(ctx context.Context, record *Record) error
}

// StatusEvent is the transition notification offered to external publishers.
type StatusEvent struct {
	ID                string             `json:"id"`
	JobID             string             `json:"jobId"`
	CorrelationID     string             `json:"correlationId"`
	Status            Status             `json:"status"`
	Retries           int                `json:"retries"`
	ExecutionCounter  int                `json:"executionCounter"`
	ScheduledID       string             `json:"scheduledId,omitempty"`
	LastUpdate        time.Time          `json:"lastUpdate"`
	ExecutionResponse *ExecutionResponse `json:"executionResponse,omitempty"`
}

// StatusEventName is the topic status events are published on.
const StatusEventName = "job.status"

func (e *StatusEvent) EventID() string       { return e.ID }
func (e *StatusEvent) EventName() string     { return StatusEventName }
func (e *StatusEvent) OccurredOn() time.Time { return e.LastUpdate }

// NewStatusEvent snapshots a record.
func NewStatusEvent(id string, r *Record) *StatusEvent {
	ev := &StatusEvent{
		ID:               id,
		JobID:            r.ID,
		CorrelationID:    r.CorrelationID,
		Status:           r.Status,
		Retries:          r.Retries,
		ExecutionCounter: r.ExecutionCounter,
		ScheduledID:      r.ScheduledID,
		LastUpdate:       r.LastUpdate,
	}
	if r.ExecutionResponse != nil {
		resp := *r.ExecutionResponse
		ev.ExecutionResponse = &resp
	}
	return ev
}
