package engine

import (
	"context"
	"fmt"

	"github.com/Deepreo/jobs/job"
)

const (
	CodeTimeout        = "TIMEOUT"
	CodeExecutionError = "EXECUTION_ERROR"
)

// fire handles one timer. Validation and the transition run under the job lock; the
// execution itself does not, so a cancel can land while the recipient is being called.
func (s *Scheduler) fire(ctx context.Context, id string, token uint64) error {
	rec, ok, err := s.begin(ctx, id, token)
	if err != nil || !ok {
		return err
	}
	defer s.done(id)

	resp, execErr := s.execute(ctx, rec)
	if ctx.Err() != nil {
		// Shutting down: the persisted record is left for the next start to resume.
		s.logger.Warn("execution interrupted", "job_id", id, "error", ctx.Err())
		return nil
	}
	return s.finish(ctx, id, resp, execErr)
}

// begin claims the fire for token and reports the record to execute. A stale token, a
// stopped scheduler, a deleted job or a job that left SCHEDULED/RETRY make it a no-op.
func (s *Scheduler) begin(ctx context.Context, id string, token uint64) (*job.Record, bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	t, armed := s.armed[id]
	if !armed || t.token != token || !s.state.active() {
		s.mu.Unlock()
		return nil, false, nil
	}
	delete(s.armed, id)
	s.inflight[id] = struct{}{}
	s.fires.Add(1)
	s.mu.Unlock()

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		s.done(id)
		if job.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !rec.Status.CanArm() {
		s.done(id)
		return nil, false, nil
	}

	running := rec.Clone()
	running.Status = job.StatusRunning
	running.ScheduledID = ""
	running.LastUpdate = job.Timestamp(s.clock.Now())
	s.emit(ctx, running)
	return rec, true, nil
}

func (s *Scheduler) done(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
	s.fires.Done()
}

type outcome struct {
	resp job.ExecutionResponse
	err  error
}

// execute bounds the dispatch by the job's timeout or the default one. Running out of time
// is a failed response, like any transport failure.
func (s *Scheduler) execute(ctx context.Context, rec *job.Record) (job.ExecutionResponse, error) {
	timeout := rec.ExecutionTimeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultExecutionTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := job.ExecutionRequest{Record: rec.Clone(), RemainingRepeats: rec.RemainingRepeats()}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := s.dispatcher.Execute(execCtx, req)
		ch <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-ch:
		return out.resp, out.err
	case <-execCtx.Done():
		return job.ExecutionResponse{
			Code:      CodeTimeout,
			Message:   fmt.Sprintf("execution exceeded %s", timeout),
			Timestamp: job.Timestamp(s.clock.Now()),
		}, nil
	}
}

// finish reloads the latest record and applies the outcome of the execution to it.
func (s *Scheduler) finish(ctx context.Context, id string, resp job.ExecutionResponse, execErr error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.repo.Get(ctx, id)
	if job.IsNotFound(err) {
		s.logger.Info("job deleted during execution", "job_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if !current.Status.CanArm() {
		s.logger.Info("job changed during execution, result dropped", "job_id", id, "status", current.Status)
		return nil
	}

	now := s.clock.Now()
	switch {
	case execErr != nil:
		// Malformed recipient data: retrying cannot help and the budget stays as it was.
		current.Status = job.StatusError
		current.ExecutionResponse = &job.ExecutionResponse{
			Code:      CodeExecutionError,
			Message:   execErr.Error(),
			Timestamp: job.Timestamp(now),
		}
	case resp.Success:
		current.ExecutionCounter++
		current.ExecutionResponse = &resp
		if next, ok := current.NextFireTime(); ok {
			current.Status = job.StatusScheduled
			current.FireTime = next
		} else {
			current.Status = job.StatusExecuted
		}
	default:
		current.ExecutionResponse = &resp
		current.Retries = max(0, current.Retries-1)
		if current.Retries > 0 {
			current.Status = job.StatusRetry
			current.FireTime = now.Add(s.cfg.retryDelay())
		} else {
			current.Status = job.StatusError
		}
	}

	saved, err := s.commit(ctx, current)
	if err != nil {
		return err
	}
	s.logger.Info("job executed",
		"job_id", id,
		"status", saved.Status,
		"code", saved.ExecutionResponse.Code,
		"execution_counter", saved.ExecutionCounter,
		"retries", saved.Retries,
	)
	s.emit(ctx, saved)
	return nil
}
