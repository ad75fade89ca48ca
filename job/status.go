package job

import "fmt"

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusRetry     Status = "RETRY"
	StatusExecuted  Status = "EXECUTED"
	StatusCanceled  Status = "CANCELED"
	StatusError     Status = "ERROR"
)

// Statuses lists every status.
var Statuses = []Status{StatusScheduled, StatusRunning, StatusRetry, StatusExecuted, StatusCanceled, StatusError}

// ActiveStatuses are the statuses the scheduler loads timers for.
var ActiveStatuses = []Status{StatusScheduled, StatusRetry}

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// CanArm reports whether a timer may be armed for a record in this status.
func (s Status) CanArm() bool {
	return s == StatusScheduled || s == StatusRetry
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusRetry, StatusExecuted, StatusCanceled, StatusError:
		return true
	}
	return false
}

// CanTransition encodes the per-job state machine:
//
//	SCHEDULED -> RUNNING -> SCHEDULED | EXECUTED | RETRY | ERROR
//	RETRY     -> RUNNING
//	any non-terminal -> CANCELED
func (s Status) CanTransition(to Status) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StatusCanceled {
		return true
	}
	switch s {
	case StatusScheduled, StatusRetry:
		return to == StatusRunning || to == StatusScheduled
	case StatusRunning:
		return to == StatusScheduled || to == StatusExecuted || to == StatusRetry || to == StatusError
	}
	return false
}

// ParseStatus parses a status name, case sensitive.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}
