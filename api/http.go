package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/Deepreo/jobs/modules/auth"
)

// Token scopes checked when the REST surface is secured.
const (
	ScopeWrite  = "jobs:write"
	ScopeManage = "jobs:manage"
)

type CreateJobRequest struct {
	ID               string          `json:"id"`
	CorrelationID    string          `json:"correlationId"`
	Schedule         job.Schedule    `json:"schedule"`
	Recipient        job.Destination `json:"recipient"`
	Priority         int             `json:"priority"`
	Retries          int             `json:"retries"`
	ExecutionTimeout int64           `json:"executionTimeout"`
}

func (r *CreateJobRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return job.Invalid(errors.New("id is required"))
	case strings.TrimSpace(r.CorrelationID) == "":
		return job.Invalid(errors.New("correlationId is required"))
	case r.Schedule.Trigger == nil:
		return job.Invalid(errors.New("schedule is required"))
	case r.Recipient.Recipient == nil:
		return job.Invalid(errors.New("recipient is required"))
	case r.Retries < 0:
		return job.Invalid(errors.New("retries must not be negative"))
	case r.ExecutionTimeout < 0:
		return job.Invalid(errors.New("executionTimeout must not be negative"))
	}
	if err := job.ValidateTrigger(r.Schedule.Trigger); err != nil {
		return job.Invalid(errors.Errorf("schedule: %w", err))
	}
	if err := job.ValidateRecipient(r.Recipient.Recipient); err != nil {
		return job.Invalid(err)
	}
	return nil
}

func (r *CreateJobRequest) record() *job.Record {
	return &job.Record{
		ID:               r.ID,
		CorrelationID:    r.CorrelationID,
		Trigger:          r.Schedule.Trigger,
		Recipient:        r.Recipient.Recipient,
		Priority:         r.Priority,
		Retries:          r.Retries,
		ExecutionTimeout: time.Duration(r.ExecutionTimeout) * time.Millisecond,
	}
}

// MergeJobRequest accepts scheduling fields only. The remaining fields are decoded so their
// presence can be rejected.
type MergeJobRequest struct {
	ID               string           `params:"id" json:"-"`
	PayloadID        string           `json:"id"`
	Schedule         *job.Schedule    `json:"schedule"`
	Recipient        *job.Destination `json:"recipient"`
	Priority         int              `json:"priority"`
	ExecutionTimeout int64            `json:"executionTimeout"`

	CorrelationID     string          `json:"correlationId"`
	Status            string          `json:"status"`
	Retries           *int            `json:"retries"`
	ExecutionCounter  *int            `json:"executionCounter"`
	ScheduledID       string          `json:"scheduledId"`
	ExecutionResponse json.RawMessage `json:"executionResponse"`
}

func (r *MergeJobRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return job.Invalid(errors.New("id is required"))
	}
	var present []string
	if r.CorrelationID != "" {
		present = append(present, "correlationId")
	}
	if r.Status != "" {
		present = append(present, "status")
	}
	if r.Retries != nil {
		present = append(present, "retries")
	}
	if r.ExecutionCounter != nil {
		present = append(present, "executionCounter")
	}
	if r.ScheduledID != "" {
		present = append(present, "scheduledId")
	}
	if len(r.ExecutionResponse) > 0 && string(r.ExecutionResponse) != "null" {
		present = append(present, "executionResponse")
	}
	if len(present) > 0 {
		return errors.ValidationError(errors.New("merge may not change " + strings.Join(present, ", "))).
			WithCode(errors.CodeInvalidMerge)
	}
	if r.Schedule == nil && r.Recipient == nil && r.Priority == 0 && r.ExecutionTimeout == 0 {
		return errors.ValidationError(errors.New("merge payload has no schedule fields")).WithCode(errors.CodeInvalidMerge)
	}
	return nil
}

func (r *MergeJobRequest) delta() *job.Record {
	d := &job.Record{
		ID:               r.PayloadID,
		Priority:         r.Priority,
		ExecutionTimeout: time.Duration(r.ExecutionTimeout) * time.Millisecond,
	}
	if r.Schedule != nil {
		d.Trigger = r.Schedule.Trigger
	}
	if r.Recipient != nil {
		d.Recipient = r.Recipient.Recipient
	}
	return d
}

type JobIDRequest struct {
	ID string `params:"id"`
}

func (r *JobIDRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return job.Invalid(errors.New("id is required"))
	}
	return nil
}

// ListJobsRequest filters by status and fire time. from and to take RFC 3339 or epoch
// milliseconds; status may repeat or hold a comma separated list.
type ListJobsRequest struct {
	Status []string `query:"status"`
	From   string   `query:"from"`
	To     string   `query:"to"`

	query *ListJobsByStatus
}

func (r *ListJobsRequest) Validate() error {
	q := &ListJobsByStatus{}
	for _, raw := range r.Status {
		for _, name := range strings.Split(raw, ",") {
			name = strings.ToUpper(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			s, err := job.ParseStatus(name)
			if err != nil {
				return errors.ValidationError(err)
			}
			q.Statuses = append(q.Statuses, s)
		}
	}
	var err error
	if q.From, err = parseInstant("from", r.From); err != nil {
		return err
	}
	if q.To, err = parseInstant("to", r.To); err != nil {
		return err
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return errors.ValidationError(errors.New("from must be before to"))
	}
	if len(q.Statuses) > 0 || !q.From.IsZero() || !q.To.IsZero() {
		r.query = q
	}
	return nil
}

func parseInstant(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, errors.ValidationError(errors.Errorf("%s: %q is neither RFC 3339 nor epoch milliseconds", name, v))
	}
	return t.UTC(), nil
}

type createEndpoint struct{ commands core.CommandBus }

func (e *createEndpoint) Handle(ctx context.Context, req *CreateJobRequest) (*job.Record, error) {
	cmd := &CreateJob{Record: req.record()}
	if err := e.commands.Dispatch(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

type mergeEndpoint struct{ commands core.CommandBus }

func (e *mergeEndpoint) Handle(ctx context.Context, req *MergeJobRequest) (*job.Record, error) {
	cmd := &MergeJob{ID: req.ID, Delta: req.delta()}
	if err := e.commands.Dispatch(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

type cancelEndpoint struct{ commands core.CommandBus }

func (e *cancelEndpoint) Handle(ctx context.Context, req *JobIDRequest) (*job.Record, error) {
	cmd := &CancelJob{ID: req.ID}
	if err := e.commands.Dispatch(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

type deleteEndpoint struct{ commands core.CommandBus }

func (e *deleteEndpoint) Handle(ctx context.Context, req *JobIDRequest) (*job.Record, error) {
	cmd := &DeleteJob{ID: req.ID}
	if err := e.commands.Dispatch(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

type getEndpoint struct{ queries core.QueryBus }

func (e *getEndpoint) Handle(ctx context.Context, req *JobIDRequest) (*job.Record, error) {
	return core.ExecuteQuery[*GetJob, *job.Record](ctx, e.queries, &GetJob{ID: req.ID})
}

type listEndpoint struct{ queries core.QueryBus }

func (e *listEndpoint) Handle(ctx context.Context, req *ListJobsRequest) ([]*job.Record, error) {
	var (
		records []*job.Record
		err     error
	)
	if req.query != nil {
		records, err = core.ExecuteQuery[*ListJobsByStatus, []*job.Record](ctx, e.queries, req.query)
	} else {
		records, err = core.ExecuteQuery[*ListJobs, []*job.Record](ctx, e.queries, &ListJobs{})
	}
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*job.Record{}
	}
	return records, nil
}

// RegisterRoutes exposes the buses over REST. With secured set, write routes need the
// jobs:write scope and management routes jobs:manage; the server must carry auth.Middleware.
func RegisterRoutes(server core.Server, commands core.CommandBus, queries core.QueryBus, secured bool) {
	var (
		create core.HandlerInterface[*CreateJobRequest, *job.Record] = &createEndpoint{commands}
		merge  core.HandlerInterface[*MergeJobRequest, *job.Record]  = &mergeEndpoint{commands}
		cancel core.HandlerInterface[*JobIDRequest, *job.Record]     = &cancelEndpoint{commands}
		remove core.HandlerInterface[*JobIDRequest, *job.Record]     = &deleteEndpoint{commands}
	)
	if secured {
		create = auth.Require(ScopeWrite, create)
		merge = auth.Require(ScopeWrite, merge)
		cancel = auth.Require(ScopeWrite, cancel)
		remove = auth.Require(ScopeManage, remove)
	}

	core.RegisterEndpoint(server, http.MethodPost, "/jobs", create)
	core.RegisterEndpoint(server, http.MethodGet, "/jobs", core.HandlerInterface[*ListJobsRequest, []*job.Record](&listEndpoint{queries}))
	core.RegisterEndpoint(server, http.MethodGet, "/jobs/:id", core.HandlerInterface[*JobIDRequest, *job.Record](&getEndpoint{queries}))
	core.RegisterEndpoint(server, http.MethodPatch, "/jobs/:id", merge)
	core.RegisterEndpoint(server, http.MethodDelete, "/jobs/:id", cancel)
	core.RegisterEndpoint(server, http.MethodDelete, "/management/jobs/:id", remove)
}
