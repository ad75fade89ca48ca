// Package engine is the scheduling core. It loads due jobs into in-process timers one chunk at
// a time, hands fired jobs to the executor dispatch and drives every record through its status
// state machine. The repository stays the source of truth; timers are ephemeral.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/jonboulle/clockwork"
)

const chunkJobName = "jobs-chunk-loop"

// Dispatcher runs one execution attempt on the executor matching the recipient.
type Dispatcher interface {
	Execute(ctx context.Context, req job.ExecutionRequest) (job.ExecutionResponse, error)
}

// resolver is implemented by dispatchers that can check a recipient before it is persisted.
type resolver interface {
	Resolve(recipient job.Recipient) (job.Executor, error)
}

type Option func(*Scheduler)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

type armedTimer struct {
	handle string
	token  uint64
}

type Scheduler struct {
	repo       job.Repository
	dispatcher Dispatcher
	sink       job.EventSink
	timers     core.TimerService
	clock      clockwork.Clock
	logger     *slog.Logger
	cfg        Config

	lifecycle sync.Mutex
	locks     *keyedMutex

	mu        sync.Mutex
	state     State
	armed     map[string]armedTimer
	inflight  map[string]struct{}
	windowEnd time.Time
	sweepFrom time.Time
	tokens    uint64
	fires     sync.WaitGroup
}

func New(repo job.Repository, dispatcher Dispatcher, sink job.EventSink, timers core.TimerService, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		sink:       sink,
		timers:     timers,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
		cfg:        cfg.withDefaults(),
		locks:      newKeyedMutex(),
		armed:      make(map[string]armedTimer),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Armed reports whether this instance holds a timer for id.
func (s *Scheduler) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.armed[id]
	return ok
}

// Start runs the expired-job catch-up, registers the chunk loop and loads the first chunk.
// The timer service must already be started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return errors.AppError(fmt.Errorf("scheduler is %s", state))
	}
	s.state = StateStarting
	s.windowEnd = s.clock.Now()
	s.sweepFrom = s.windowEnd
	if s.cfg.ForceExecuteExpiredJobsOnServiceStart {
		s.sweepFrom = epoch
	}
	s.mu.Unlock()

	s.logger.Info("scheduler starting", "chunk", s.cfg.SchedulerChunk)

	if s.cfg.ForceExecuteExpiredJobsOnServiceStart {
		if err := s.catchUp(ctx); err != nil {
			// The chunk loop still starts; expired jobs are picked up on the next start.
			s.logger.Error("expired job catch-up failed", "error", err)
		}
	}

	if err := s.timers.RegisterJob(chunkJobName, s.loadChunk, s.cfg.SchedulerChunk); err != nil {
		s.setState(StateStopped)
		return err
	}
	if err := s.loadChunk(ctx); err != nil {
		s.logger.Error("initial chunk load failed", "error", err)
	}

	s.setState(StateRunning)
	s.logger.Info("scheduler running")
	return nil
}

// Stop disarms every timer this instance owns and clears their persisted scheduled ids.
// Statuses are left as they are so a later Start resumes the same jobs. Executions already
// running finish their transition unless ctx ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()
	s.logger.Info("scheduler stopping")

	if err := s.timers.RemoveJob(chunkJobName); err != nil {
		s.logger.Warn("failed to remove chunk loop", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.fires.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("stopping with executions still in flight", "error", ctx.Err())
	}

	s.mu.Lock()
	armed := s.armed
	s.armed = make(map[string]armedTimer)
	s.mu.Unlock()

	for id, t := range armed {
		if err := s.timers.Unschedule(t.handle); err != nil {
			s.logger.Warn("failed to disarm timer", "job_id", id, "error", err)
		}
		s.release(ctx, id)
	}

	s.setState(StateStopped)
	s.logger.Info("scheduler stopped", "disarmed", len(armed))
	return nil
}

// release clears the persisted scheduled id of a job disarmed by Stop.
func (s *Scheduler) release(ctx context.Context, id string) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if !job.IsNotFound(err) {
			s.logger.Warn("failed to load job while stopping", "job_id", id, "error", err)
		}
		return
	}
	if rec.ScheduledID == "" {
		return
	}
	rec.ScheduledID = ""
	if _, err := s.repo.Save(ctx, rec); err != nil {
		s.logger.Warn("failed to clear scheduled id", "job_id", id, "error", err)
	}
}

// Schedule is the creation path: it computes the first fire time, persists the record and
// arms it at once when it falls inside the loaded window.
func (s *Scheduler) Schedule(ctx context.Context, record *job.Record) (*job.Record, error) {
	if record == nil {
		return nil, job.Invalid(errors.New("record is required"))
	}
	r := record.Clone()
	r.Status = job.StatusScheduled
	r.ExecutionCounter = 0
	r.ScheduledID = ""
	r.ExecutionResponse = nil
	r.Created = s.clock.Now()
	if err := r.Validate(); err != nil {
		return nil, job.Invalid(err)
	}
	if res, ok := s.dispatcher.(resolver); ok {
		if _, err := res.Resolve(r.Recipient); err != nil {
			return nil, errors.ValidationError(errors.Errorf("recipient: %v", err)).WithCode(errors.CodeUnsupportedRecipient)
		}
	}
	first, ok := r.Trigger.NextFireTime(0)
	if !ok {
		return nil, job.Invalid(errors.New("schedule has no fire time"))
	}
	r.FireTime = first

	unlock := s.locks.Lock(r.ID)
	defer unlock()

	exists, err := s.repo.Exists(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.ValidationError(errors.Errorf("job %q already exists", r.ID)).
			WithCode(errors.CodeJobExists).
			WithMetadata("id", r.ID)
	}

	saved, err := s.commit(ctx, r)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job scheduled", "job_id", saved.ID, "fire_time", saved.FireTime, "armed", saved.ScheduledID != "")
	s.emit(ctx, saved)
	return saved, nil
}

// Cancel disarms the job and marks it CANCELED. Terminal records, CANCELED ones included,
// are returned unchanged.
func (s *Scheduler) Cancel(ctx context.Context, id string) (*job.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.IsTerminal() {
		return rec, nil
	}

	s.disarm(id)
	rec.Status = job.StatusCanceled
	rec.ScheduledID = ""
	saved, err := s.repo.Save(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job canceled", "job_id", id)
	s.emit(ctx, saved)
	return saved, nil
}

// Merge applies a scheduling delta and re-arms the job for its recomputed fire time.
func (s *Scheduler) Merge(ctx context.Context, id string, delta *job.Record) (*job.Record, error) {
	if err := job.ValidateMergeDelta(id, delta); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	merged, err := s.repo.Merge(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	// A running execution re-arms from the merged record when it completes.
	if !merged.Status.CanArm() || s.running(id) {
		return merged, nil
	}
	return s.commit(ctx, merged)
}

// Delete disarms the job and removes it from the repository.
func (s *Scheduler) Delete(ctx context.Context, id string) (*job.Record, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.disarm(id)
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job deleted", "job_id", id)
	return deleted, nil
}

func (s *Scheduler) catchUp(ctx context.Context) error {
	now := s.clock.Now()
	expired, err := s.repo.FindByStatusBetweenFireTimes(ctx, epoch, now, job.ActiveStatuses...)
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		s.logger.Info("catching up expired jobs", "count", len(expired), "force_execute", s.cfg.ForceExecuteExpiredJobs)
	}
	for _, rec := range expired {
		s.load(ctx, rec.ID, now)
	}
	return nil
}

// loadChunk arms the jobs due before now+chunk. The lower bound is the start instant, or the
// epoch when expired jobs are caught up on start, so an overdue job left unarmed by a failed
// write is picked up again on the next tick. Armed and running jobs are skipped by load.
func (s *Scheduler) loadChunk(ctx context.Context) error {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.state.active() {
		s.mu.Unlock()
		return nil
	}
	prevEnd := s.windowEnd
	from := s.sweepFrom
	to := now.Add(s.cfg.SchedulerChunk)
	if to.After(s.windowEnd) {
		s.windowEnd = to
	}
	s.mu.Unlock()

	due, err := s.repo.FindByStatusBetweenFireTimes(ctx, from, to, job.ActiveStatuses...)
	if err != nil {
		s.mu.Lock()
		if s.windowEnd.Equal(to) {
			s.windowEnd = prevEnd
		}
		s.mu.Unlock()
		return err
	}
	s.logger.Debug("chunk loaded", "from", from, "to", to, "due", len(due))
	for _, rec := range due {
		s.load(ctx, rec.ID, now)
	}
	return nil
}

// load re-reads a due job under its lock and arms it, applying the expired-job policy.
func (s *Scheduler) load(ctx context.Context, id string, now time.Time) {
	unlock := s.locks.Lock(id)
	defer unlock()

	if s.Armed(id) || s.running(id) {
		return
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if !job.IsNotFound(err) {
			s.logger.Error("failed to load due job", "job_id", id, "error", err)
		}
		return
	}
	if !rec.Status.CanArm() {
		return
	}
	moved := false
	if rec.FireTime.Before(now) && !s.cfg.ForceExecuteExpiredJobs {
		rec.FireTime = job.Timestamp(now.Add(s.cfg.ExpiredJobOffset))
		moved = true
	}
	if !moved && rec.ScheduledID == "" && !rec.FireTime.Before(s.windowEndValue()) {
		return
	}
	if _, err := s.commit(ctx, rec); err != nil {
		s.logger.Error("failed to arm job", "job_id", id, "error", err)
	}
}

// commit persists rec, first replacing its timer when it may be armed. The caller holds the
// job lock.
func (s *Scheduler) commit(ctx context.Context, rec *job.Record) (*job.Record, error) {
	s.disarm(rec.ID)
	rec.ScheduledID = ""
	if rec.Status.CanArm() {
		handle, err := s.arm(rec.ID, rec.FireTime)
		if err != nil {
			return nil, err
		}
		rec.ScheduledID = handle
	}
	saved, err := s.repo.Save(ctx, rec)
	if err != nil {
		s.disarm(rec.ID)
		return nil, err
	}
	return saved, nil
}

// arm sets a one-shot timer when the scheduler is active and at falls before the window end.
// It returns the timer handle, empty when nothing was armed.
func (s *Scheduler) arm(id string, at time.Time) (string, error) {
	s.mu.Lock()
	if !s.state.active() || !at.Before(s.windowEnd) {
		s.mu.Unlock()
		return "", nil
	}
	s.tokens++
	token := s.tokens
	s.mu.Unlock()

	handle, err := s.timers.ScheduleOnce(timerName(id), at, func(ctx context.Context) error {
		return s.fire(ctx, id, token)
	})
	if err != nil {
		return "", errors.AppError(err).WithMetadata("id", id)
	}

	s.mu.Lock()
	s.armed[id] = armedTimer{handle: handle, token: token}
	s.mu.Unlock()
	return handle, nil
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	t, ok := s.armed[id]
	delete(s.armed, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.timers.Unschedule(t.handle); err != nil {
		s.logger.Warn("failed to disarm timer", "job_id", id, "error", err)
	}
}

func (s *Scheduler) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

func (s *Scheduler) windowEndValue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windowEnd
}

func (s *Scheduler) emit(ctx context.Context, rec *job.Record) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Record(ctx, rec); err != nil {
		s.logger.Warn("failed to record status event", "job_id", rec.ID, "status", rec.Status, "error", err)
	}
}

var epoch = time.Unix(0, 0).UTC()

func timerName(id string) string {
	return "job:" + id
}
