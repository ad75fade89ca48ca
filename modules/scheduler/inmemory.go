package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Deepreo/jobs/core"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// InMemoryScheduler is the gocron backed core.TimerService.
type InMemoryScheduler struct {
	scheduler   gocron.Scheduler
	clock       clockwork.Clock
	logger      *slog.Logger
	jobs        map[string]uuid.UUID
	timers      map[string]uuid.UUID
	middlewares []core.SchedulerMiddleware
	mu          sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*InMemoryScheduler)

// WithClock drives timers from clock instead of the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *InMemoryScheduler) {
		s.clock = clock
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *InMemoryScheduler) {
		s.logger = logger
	}
}

func NewInMemoryScheduler(opts ...Option) (*InMemoryScheduler, error) {
	s := &InMemoryScheduler{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
		jobs:   make(map[string]uuid.UUID),
		timers: make(map[string]uuid.UUID),
	}
	for _, opt := range opts {
		opt(s)
	}
	gs, err := gocron.NewScheduler(
		gocron.WithClock(s.clock),
		gocron.WithLogger(s.logger),
		gocron.WithStopTimeout(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	s.scheduler = gs
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func (s *InMemoryScheduler) Start() {
	s.scheduler.Start()
}

// Shutdown cancels the context handed to running jobs and waits for them to return.
func (s *InMemoryScheduler) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}

func (s *InMemoryScheduler) Use(middleware ...core.SchedulerMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, middleware...)
}

func (s *InMemoryScheduler) applyMiddlewares(fn core.JobFunc) core.JobFunc {
	chain := fn
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		chain = s.middlewares[i](chain)
	}
	return chain
}

func (s *InMemoryScheduler) run(name string, fn core.JobFunc) {
	if err := fn(s.ctx); err != nil {
		s.logger.Error("scheduled job failed", "job", name, "error", err)
	}
}

func (s *InMemoryScheduler) RegisterJob(name string, fn core.JobFunc, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}

	wrappedFn := s.applyMiddlewares(fn)
	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(name, wrappedFn) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	s.jobs[name] = job.ID()
	return nil
}

func (s *InMemoryScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.jobs[name]
	if !exists {
		return fmt.Errorf("job with name %s not found", name)
	}
	if err := s.scheduler.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return err
	}
	delete(s.jobs, name)
	return nil
}

// ScheduleOnce arms a one-shot timer. The handle leaves the timer table as soon as the timer
// fires, before fn runs, so fn may arm a follow-up timer for the same name.
func (s *InMemoryScheduler) ScheduleOnce(name string, at time.Time, fn core.JobFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := uuid.NewString()
	wrappedFn := s.applyMiddlewares(fn)
	task := gocron.NewTask(func() {
		s.mu.Lock()
		delete(s.timers, handle)
		s.mu.Unlock()
		s.run(name, wrappedFn)
	})

	start := gocron.OneTimeJobStartImmediately()
	if at.After(s.clock.Now()) {
		start = gocron.OneTimeJobStartDateTime(at)
	}
	job, err := s.scheduler.NewJob(gocron.OneTimeJob(start), task, gocron.WithName(name), gocron.WithLimitedRuns(1))
	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		// at slipped into the past between the check and the call.
		job, err = s.scheduler.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), task, gocron.WithName(name), gocron.WithLimitedRuns(1))
	}
	if err != nil {
		return "", err
	}

	s.timers[handle] = job.ID()
	return handle, nil
}

func (s *InMemoryScheduler) Unschedule(handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.timers[handle]
	if !exists {
		return nil
	}
	delete(s.timers, handle)
	if err := s.scheduler.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		return err
	}
	return nil
}

// Armed reports how many one-shot timers are waiting to fire.
func (s *InMemoryScheduler) Armed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timers)
}

func (s *InMemoryScheduler) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, id := range s.jobs {
		if err := s.scheduler.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
			errs = append(errs, fmt.Errorf("failed to remove job %s: %w", name, err))
			continue
		}
		delete(s.jobs, name)
	}
	for handle, id := range s.timers {
		if err := s.scheduler.RemoveJob(id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
			errs = append(errs, fmt.Errorf("failed to remove timer %s: %w", handle, err))
			continue
		}
		delete(s.timers, handle)
	}
	return errors.Join(errs...)
}
