// Package jobs wires the scheduling engine, its backends and the REST surface into one
// runnable service.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Deepreo/jobs/api"
	"github.com/Deepreo/jobs/config"
	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/engine"
	"github.com/Deepreo/jobs/job"
	"github.com/Deepreo/jobs/modules/auth"
	"github.com/Deepreo/jobs/modules/command"
	"github.com/Deepreo/jobs/modules/event"
	"github.com/Deepreo/jobs/modules/executor"
	"github.com/Deepreo/jobs/modules/query"
	"github.com/Deepreo/jobs/modules/repository"
	"github.com/Deepreo/jobs/modules/scheduler"
	"github.com/Deepreo/jobs/modules/servers"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jonboulle/clockwork"
)

// SlowJobThreshold is the timer run duration above which a warning is logged.
const SlowJobThreshold = 5 * time.Second

type eventBus interface {
	core.EventBus
	Publisher() message.Publisher
	Running() chan struct{}
	Close() error
}

type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *repository.Store
	timers   *scheduler.InMemoryScheduler
	events   eventBus
	engine   *engine.Scheduler
	commands core.CommandBus
	queries  core.QueryBus
	server   *servers.HttpServer
}

// New opens the configured repository and builds every component. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clock := clockwork.NewRealClock()

	store, err := repository.Open(ctx, cfg.Repository, clock, logger)
	if err != nil {
		return nil, err
	}
	app := &Application{cfg: cfg, logger: logger, store: store}
	if err := app.build(clock); err != nil {
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

func (app *Application) build(clock clockwork.Clock) error {
	cfg, logger := app.cfg, app.logger

	timers, err := scheduler.NewInMemoryScheduler(scheduler.WithClock(clock), scheduler.WithLogger(logger))
	if err != nil {
		return err
	}
	timers.Use(scheduler.Recover(logger), scheduler.SlowJobs(logger, SlowJobThreshold))
	app.timers = timers

	events, err := event.NewInMemory(logger, cfg.Events)
	if err != nil {
		return err
	}
	app.events = events
	if err := core.SubscribeEvent[*job.StatusEvent](events, &statusLogger{logger: logger}); err != nil {
		return err
	}

	executors := []job.Executor{executor.NewHTTPExecutor(cfg.Executor.HTTP, logger)}
	if cfg.Executor.Message.Enabled {
		executors = append(executors, executor.NewMessageExecutor(events.Publisher()))
	}
	dispatcher, err := executor.NewDispatcherWithClock(clock, executors...)
	if err != nil {
		return err
	}

	app.engine = engine.New(app.store.Repository, dispatcher, event.NewStatusSink(events, logger), timers, cfg.Scheduler,
		engine.WithClock(clock), engine.WithLogger(logger))

	commands := command.NewInMemory()
	commands.Use(command.Recover(), command.Logging(logger))
	queries := query.NewInMemory()
	queries.Use(query.Logging(logger))
	if err := api.RegisterHandlers(commands, queries, app.engine, app.store.Repository); err != nil {
		return err
	}
	app.commands, app.queries = commands, queries

	server, err := servers.NewHttpServer(logger, servers.WithConfig(&cfg.HTTP))
	if err != nil {
		return err
	}
	server.AddReadinessCheck("repository", app.store.HealthCheck)
	if cfg.Auth.Enabled {
		provider, err := auth.NewTokenProvider(cfg.Auth)
		if err != nil {
			return err
		}
		server.Use(auth.Middleware(provider))
	}
	api.RegisterRoutes(server, commands, queries, cfg.Auth.Enabled)
	app.server = server
	return nil
}

// Server exposes the HTTP server, mostly for in-process tests.
func (app *Application) Server() *servers.HttpServer {
	return app.server
}

func (app *Application) Engine() *engine.Scheduler {
	return app.engine
}

// Start brings up the event bus, the timers and the engine. The HTTP listener is not started.
func (app *Application) Start(ctx context.Context) error {
	go func() {
		if err := app.events.Run(context.WithoutCancel(ctx)); err != nil {
			app.logger.Error("Event bus failed", "error", err)
		}
	}()
	select {
	case <-app.events.Running():
	case <-ctx.Done():
		return ctx.Err()
	}
	app.timers.Start()
	return app.engine.Start(ctx)
}

// Run starts the service and serves HTTP until ctx is done or the listener fails.
func (app *Application) Run(ctx context.Context) error {
	if err := app.Start(ctx); err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- app.server.Run()
	}()
	app.logger.Info("jobs service started", "host", app.cfg.HTTP.Host, "port", app.cfg.HTTP.Port, "repository", app.store.Driver)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		app.logger.Error("HTTP server stopped", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), servers.DefaultShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, app.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, drains in-flight executions and releases the backends.
func (app *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if err := app.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := app.engine.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := app.timers.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := app.events.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := app.store.Close(); err != nil {
		errs = append(errs, err)
	}
	app.logger.Info("jobs service stopped")
	return errors.Join(errs...)
}

type statusLogger struct {
	logger *slog.Logger
}

func (h *statusLogger) Handle(ctx context.Context, ev *job.StatusEvent) error {
	h.logger.InfoContext(ctx, "job status changed",
		"job_id", ev.JobID, "status", ev.Status, "executions", ev.ExecutionCounter, "retries", ev.Retries)
	return nil
}
