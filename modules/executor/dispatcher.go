package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/jonboulle/clockwork"
)

// Dispatcher resolves a recipient to the single executor that accepts its kind.
type Dispatcher struct {
	executors []job.Executor
	clock     clockwork.Clock
}

// NewDispatcher fails when any known recipient kind is accepted by more than one executor.
func NewDispatcher(executors ...job.Executor) (*Dispatcher, error) {
	return NewDispatcherWithClock(clockwork.NewRealClock(), executors...)
}

// NewDispatcherWithClock is NewDispatcher with the clock used to stamp responses.
func NewDispatcherWithClock(clock clockwork.Clock, executors ...job.Executor) (*Dispatcher, error) {
	for _, kind := range job.RecipientKinds {
		var names []string
		for _, ex := range executors {
			if ex.Accepts(kind) {
				names = append(names, fmt.Sprintf("%T", ex))
			}
		}
		if len(names) > 1 {
			return nil, errors.AppError(fmt.Errorf("recipient kind %q is accepted by %s", kind, strings.Join(names, ", "))).
				WithCode(errors.CodeUnsupportedRecipient)
		}
	}
	return &Dispatcher{executors: executors, clock: clock}, nil
}

func (d *Dispatcher) Resolve(recipient job.Recipient) (job.Executor, error) {
	if recipient == nil {
		return nil, unsupported("recipient is required")
	}
	var found job.Executor
	for _, ex := range d.executors {
		if !ex.Accepts(recipient.Kind()) {
			continue
		}
		if found != nil {
			return nil, unsupported(fmt.Sprintf("recipient kind %q is ambiguous", recipient.Kind()))
		}
		found = ex
	}
	if found == nil {
		return nil, unsupported(fmt.Sprintf("no executor for recipient kind %q", recipient.Kind()))
	}
	return found, nil
}

// Execute resolves the executor for the request's recipient and runs it. Executors leave the
// response timestamp unset; it is stamped here from the dispatcher's clock.
func (d *Dispatcher) Execute(ctx context.Context, req job.ExecutionRequest) (job.ExecutionResponse, error) {
	ex, err := d.Resolve(req.Record.Recipient)
	if err != nil {
		return job.ExecutionResponse{}, err
	}
	resp, err := ex.Execute(ctx, req)
	if err != nil {
		return job.ExecutionResponse{}, err
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = d.clock.Now()
	}
	resp.Timestamp = job.Timestamp(resp.Timestamp)
	return resp, nil
}

func unsupported(msg string) error {
	return errors.AppError(errors.New(msg)).WithCode(errors.CodeUnsupportedRecipient)
}

func failed(code, msg string) job.ExecutionResponse {
	return job.ExecutionResponse{Code: code, Message: msg, Success: false}
}
