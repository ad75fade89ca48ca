package api

import (
	"context"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
)

// farFuture bounds a window query without an upper limit.
var farFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type GetJob struct {
	ID string
}

func (q *GetJob) QueryID() string { return "jobs.get" }

// ListJobsByStatus selects jobs whose fire time is in [From, To). No statuses means every
// status; a zero bound leaves that side open.
type ListJobsByStatus struct {
	Statuses []job.Status
	From     time.Time
	To       time.Time
}

func (q *ListJobsByStatus) QueryID() string { return "jobs.list_by_status" }

func (q *ListJobsByStatus) window() (time.Time, time.Time, []job.Status, error) {
	from, to := q.From, q.To
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = farFuture
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, nil, errors.ValidationError(errors.New("from must be before to"))
	}
	statuses := q.Statuses
	if len(statuses) == 0 {
		statuses = job.Statuses
	}
	for _, s := range statuses {
		if !s.Valid() {
			return time.Time{}, time.Time{}, nil, errors.ValidationError(errors.Errorf("unknown status %q", s))
		}
	}
	return from, to, statuses, nil
}

type ListJobs struct{}

func (q *ListJobs) QueryID() string { return "jobs.list" }

type GetJobHandler struct {
	repo job.Repository
}

func NewGetJobHandler(repo job.Repository) *GetJobHandler {
	return &GetJobHandler{repo: repo}
}

func (h *GetJobHandler) Handle(ctx context.Context, q *GetJob) (*job.Record, error) {
	if q.ID == "" {
		return nil, job.Invalid(errors.New("id is required"))
	}
	return h.repo.Get(ctx, q.ID)
}

type ListJobsByStatusHandler struct {
	repo job.Repository
}

func NewListJobsByStatusHandler(repo job.Repository) *ListJobsByStatusHandler {
	return &ListJobsByStatusHandler{repo: repo}
}

func (h *ListJobsByStatusHandler) Handle(ctx context.Context, q *ListJobsByStatus) ([]*job.Record, error) {
	from, to, statuses, err := q.window()
	if err != nil {
		return nil, err
	}
	return h.repo.FindByStatusBetweenFireTimes(ctx, from, to, statuses...)
}

type ListJobsHandler struct {
	repo job.Repository
}

func NewListJobsHandler(repo job.Repository) *ListJobsHandler {
	return &ListJobsHandler{repo: repo}
}

func (h *ListJobsHandler) Handle(ctx context.Context, _ *ListJobs) ([]*job.Record, error) {
	return h.repo.FindAll(ctx)
}
