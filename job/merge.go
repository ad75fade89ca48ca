package job

import (
	"fmt"
	"strings"

	"github.com/Deepreo/jobs/errors"
)

// ValidateMergeDelta rejects deltas that try to touch identity or execution history.
// A field counts as present when it differs from its zero value.
func ValidateMergeDelta(id string, delta *Record) error {
	if strings.TrimSpace(id) == "" {
		return invalidMerge("id is required")
	}
	if delta == nil {
		return invalidMerge("merge payload is required")
	}
	if delta.ID != "" && delta.ID != id {
		return invalidMerge(fmt.Sprintf("payload id %q does not match %q", delta.ID, id))
	}
	var present []string
	if delta.CorrelationID != "" {
		present = append(present, "correlationId")
	}
	if delta.ScheduledID != "" {
		present = append(present, "scheduledId")
	}
	if delta.Status != "" {
		present = append(present, "status")
	}
	if delta.Retries != 0 {
		present = append(present, "retries")
	}
	if delta.ExecutionCounter != 0 {
		present = append(present, "executionCounter")
	}
	if delta.ExecutionResponse != nil {
		present = append(present, "executionResponse")
	}
	if len(present) > 0 {
		return invalidMerge("merge may not change " + strings.Join(present, ", "))
	}
	if delta.Trigger != nil {
		if err := ValidateTrigger(delta.Trigger); err != nil {
			return invalidMerge("schedule: " + err.Error())
		}
	}
	if delta.Recipient != nil {
		if err := ValidateRecipient(delta.Recipient); err != nil {
			return invalidMerge(err.Error())
		}
	}
	if delta.ExecutionTimeout < 0 {
		return invalidMerge("executionTimeout must not be negative")
	}
	return nil
}

// ApplyMerge returns a copy of current with the present delta fields applied.
// The fire time follows a replaced trigger. A trigger with no occurrence left at the
// record's execution counter is rejected.
func ApplyMerge(current, delta *Record) (*Record, error) {
	merged := current.Clone()
	if delta.Trigger != nil {
		merged.Trigger = delta.Trigger
		next, ok := merged.NextFireTime()
		if !ok {
			return nil, invalidMerge(fmt.Sprintf("schedule has no occurrence after %d executions", merged.ExecutionCounter))
		}
		merged.FireTime = Timestamp(next)
	}
	if delta.Recipient != nil {
		merged.Recipient = delta.Recipient.clone()
	}
	if delta.Priority != 0 {
		merged.Priority = delta.Priority
	}
	if delta.ExecutionTimeout != 0 {
		merged.ExecutionTimeout = delta.ExecutionTimeout
	}
	return merged, nil
}

func invalidMerge(msg string) error {
	return errors.ValidationError(errors.New(msg)).WithCode(errors.CodeInvalidMerge)
}
