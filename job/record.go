package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExecutionResponse is the normalised outcome of one delivery attempt.
type ExecutionResponse struct {
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
}

// Record is the durable unit of work.
type Record struct {
	ID                string
	CorrelationID     string
	Trigger           Trigger
	Recipient         Recipient
	Status            Status
	Priority          int
	Retries           int
	ExecutionCounter  int
	ScheduledID       string
	FireTime          time.Time
	ExecutionTimeout  time.Duration
	Created           time.Time
	LastUpdate        time.Time
	ExecutionResponse *ExecutionResponse
}

// Validate checks the invariants every persisted record must hold.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("record is required")
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(r.CorrelationID) == "" {
		return fmt.Errorf("correlationId is required")
	}
	if err := ValidateTrigger(r.Trigger); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if err := ValidateRecipient(r.Recipient); err != nil {
		return err
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if r.ExecutionCounter < 0 {
		return fmt.Errorf("executionCounter must not be negative")
	}
	if r.ExecutionTimeout < 0 {
		return fmt.Errorf("executionTimeout must not be negative")
	}
	if r.ScheduledID != "" && r.Status.IsTerminal() {
		return fmt.Errorf("status %s cannot carry a scheduled id", r.Status)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Recipient != nil {
		c.Recipient = r.Recipient.clone()
	}
	if r.ExecutionResponse != nil {
		resp := *r.ExecutionResponse
		c.ExecutionResponse = &resp
	}
	return &c
}

// Timestamp normalises an instant to the millisecond UTC precision every repository keeps.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// NextFireTime is the fire time of the next occurrence given the executions done so far.
func (r *Record) NextFireTime() (time.Time, bool) {
	if r.Trigger == nil {
		return time.Time{}, false
	}
	return r.Trigger.NextFireTime(r.ExecutionCounter)
}

// RemainingRepeats is the countdown for the execution about to run.
func (r *Record) RemainingRepeats() int {
	return RemainingRepeats(r.Trigger, r.ExecutionCounter)
}

type recordWire struct {
	ID                string             `json:"id"`
	CorrelationID     string             `json:"correlationId"`
	Schedule          Schedule           `json:"schedule"`
	Recipient         Destination        `json:"recipient"`
	Status            Status             `json:"status"`
	Priority          int                `json:"priority"`
	Retries           int                `json:"retries"`
	ExecutionCounter  int                `json:"executionCounter"`
	ScheduledID       string             `json:"scheduledId,omitempty"`
	FireTime          *time.Time         `json:"fireTime,omitempty"`
	ExecutionTimeout  int64              `json:"executionTimeout,omitempty"`
	Created           *time.Time         `json:"created,omitempty"`
	LastUpdate        *time.Time         `json:"lastUpdate,omitempty"`
	ExecutionResponse *ExecutionResponse `json:"executionResponse,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordWire{
		ID:                r.ID,
		CorrelationID:     r.CorrelationID,
		Schedule:          Schedule{Trigger: r.Trigger},
		Recipient:         Destination{Recipient: r.Recipient},
		Status:            r.Status,
		Priority:          r.Priority,
		Retries:           r.Retries,
		ExecutionCounter:  r.ExecutionCounter,
		ScheduledID:       r.ScheduledID,
		FireTime:          timePtr(r.FireTime),
		ExecutionTimeout:  r.ExecutionTimeout.Milliseconds(),
		Created:           timePtr(r.Created),
		LastUpdate:        timePtr(r.LastUpdate),
		ExecutionResponse: r.ExecutionResponse,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Record{
		ID:                w.ID,
		CorrelationID:     w.CorrelationID,
		Trigger:           w.Schedule.Trigger,
		Recipient:         w.Recipient.Recipient,
		Status:            w.Status,
		Priority:          w.Priority,
		Retries:           w.Retries,
		ExecutionCounter:  w.ExecutionCounter,
		ScheduledID:       w.ScheduledID,
		FireTime:          timeVal(w.FireTime),
		ExecutionTimeout:  time.Duration(w.ExecutionTimeout) * time.Millisecond,
		Created:           timeVal(w.Created),
		LastUpdate:        timeVal(w.LastUpdate),
		ExecutionResponse: w.ExecutionResponse,
	}
	return nil
}
