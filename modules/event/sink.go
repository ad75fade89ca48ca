package event

import (
	"context"
	"log/slog"

	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/job"
	"github.com/google/uuid"
)

// StatusSink turns every job status transition into a job.StatusEvent on the event bus.
type StatusSink struct {
	publisher core.EventPublisher
	logger    *slog.Logger
}

func NewStatusSink(publisher core.EventPublisher, logger *slog.Logger) *StatusSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusSink{publisher: publisher, logger: logger}
}

func (s *StatusSink) Record(ctx context.Context, record *job.Record) error {
	ev := job.NewStatusEvent(uuid.NewString(), record)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		return err
	}
	s.logger.Debug("job status published", "job_id", record.ID, "status", record.Status)
	return nil
}
