package api

import (
	"context"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
)

// Scheduler is the part of the engine the write side drives.
type Scheduler interface {
	Schedule(ctx context.Context, record *job.Record) (*job.Record, error)
	Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error)
	Cancel(ctx context.Context, id string) (*job.Record, error)
	Delete(ctx context.Context, id string) (*job.Record, error)
}

// CreateJob persists and arms a new job. Result holds the stored record.
type CreateJob struct {
	Record *job.Record
	Result *job.Record
}

func (c *CreateJob) CommandID() string { return "jobs.create" }

// MergeJob applies a scheduling delta to an existing job.
type MergeJob struct {
	ID     string
	Delta  *job.Record
	Result *job.Record
}

func (c *MergeJob) CommandID() string { return "jobs.merge" }

// CancelJob moves a job to CANCELED. Terminal jobs are returned unchanged.
type CancelJob struct {
	ID     string
	Result *job.Record
}

func (c *CancelJob) CommandID() string { return "jobs.cancel" }

// DeleteJob removes a job and its timer.
type DeleteJob struct {
	ID     string
	Result *job.Record
}

func (c *DeleteJob) CommandID() string { return "jobs.delete" }

type CreateJobHandler struct {
	scheduler Scheduler
}

func NewCreateJobHandler(s Scheduler) *CreateJobHandler {
	return &CreateJobHandler{scheduler: s}
}

func (h *CreateJobHandler) Handle(ctx context.Context, cmd *CreateJob) error {
	if cmd.Record == nil {
		return job.Invalid(errors.New("job is required"))
	}
	saved, err := h.scheduler.Schedule(ctx, cmd.Record)
	if err != nil {
		return err
	}
	cmd.Result = saved
	return nil
}

type MergeJobHandler struct {
	scheduler Scheduler
}

func NewMergeJobHandler(s Scheduler) *MergeJobHandler {
	return &MergeJobHandler{scheduler: s}
}

func (h *MergeJobHandler) Handle(ctx context.Context, cmd *MergeJob) error {
	merged, err := h.scheduler.Merge(ctx, cmd.ID, cmd.Delta)
	if err != nil {
		return err
	}
	cmd.Result = merged
	return nil
}

type CancelJobHandler struct {
	scheduler Scheduler
}

func NewCancelJobHandler(s Scheduler) *CancelJobHandler {
	return &CancelJobHandler{scheduler: s}
}

func (h *CancelJobHandler) Handle(ctx context.Context, cmd *CancelJob) error {
	if cmd.ID == "" {
		return job.Invalid(errors.New("id is required"))
	}
	canceled, err := h.scheduler.Cancel(ctx, cmd.ID)
	if err != nil {
		return err
	}
	cmd.Result = canceled
	return nil
}

type DeleteJobHandler struct {
	scheduler Scheduler
}

func NewDeleteJobHandler(s Scheduler) *DeleteJobHandler {
	return &DeleteJobHandler{scheduler: s}
}

func (h *DeleteJobHandler) Handle(ctx context.Context, cmd *DeleteJob) error {
	if cmd.ID == "" {
		return job.Invalid(errors.New("id is required"))
	}
	deleted, err := h.scheduler.Delete(ctx, cmd.ID)
	if err != nil {
		return err
	}
	cmd.Result = deleted
	return nil
}
