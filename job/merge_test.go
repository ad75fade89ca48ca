package job

import (
	"testing"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMergeDelta(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		delta   *Record
		wantErr bool
	}{
		{"blank id", "", &Record{}, true},
		{"nil delta", "job-1", nil, true},
		{"id mismatch", "job-1", &Record{ID: "job-2"}, true},
		{"status present", "job-1", &Record{Status: StatusExecuted}, true},
		{"correlation present", "job-1", &Record{CorrelationID: "c"}, true},
		{"counters present", "job-1", &Record{ExecutionCounter: 2}, true},
		{"retries present", "job-1", &Record{Retries: 1}, true},
		{"scheduled id present", "job-1", &Record{ScheduledID: "t"}, true},
		{"invalid schedule", "job-1", &Record{Trigger: Interval{Start: time.Now(), Period: -time.Second}}, true},
		{"schedule only", "job-1", &Record{ID: "job-1", Trigger: PointInTime{FireAt: time.Now()}}, false},
		{"recipient only", "job-1", &Record{Recipient: HTTPRecipient{URL: "http://example.com/hook"}}, false},
		{"priority only", "job-1", &Record{Priority: 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMergeDelta(tt.id, tt.delta)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION))
		})
	}
}

func TestApplyMerge_RecipientLeavesHistory(t *testing.T) {
	current := sampleRecord()
	delta := &Record{Recipient: HTTPRecipient{URL: "http://example.com/other", Method: "PUT"}}

	merged, err := ApplyMerge(current, delta)
	require.NoError(t, err)

	assert.Equal(t, current.ID, merged.ID)
	assert.Equal(t, current.Status, merged.Status)
	assert.Equal(t, current.Retries, merged.Retries)
	assert.Equal(t, current.ExecutionCounter, merged.ExecutionCounter)
	assert.Equal(t, current.FireTime, merged.FireTime)
	assert.Equal(t, "http://example.com/other", merged.Recipient.(HTTPRecipient).URL)
	// The input is untouched.
	assert.Equal(t, "http://localhost:8080/callback", current.Recipient.(HTTPRecipient).URL)
}

func TestApplyMerge_TriggerMovesFireTime(t *testing.T) {
	current := sampleRecord()
	start := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	delta := &Record{Trigger: Interval{Start: start, Period: time.Hour, RepeatLimit: 5}}

	merged, err := ApplyMerge(current, delta)
	require.NoError(t, err)

	// One execution already happened, so the next occurrence is the second one.
	assert.Equal(t, start.Add(time.Hour), merged.FireTime)
	assert.Equal(t, 1, merged.ExecutionCounter)
}

func TestApplyMerge_ExhaustedTriggerIsRejected(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current := sampleRecord()
	current.Trigger = Interval{Start: start, Period: time.Hour, RepeatLimit: 5}
	current.ExecutionCounter = 2
	current.FireTime = start.Add(2 * time.Hour)

	// A point in time has a single occurrence, already used up by two executions.
	_, err := ApplyMerge(current, &Record{Trigger: PointInTime{FireAt: start.Add(48 * time.Hour)}})
	require.Error(t, err)
	assert.True(t, errors.LevelOf(err, errors.ERR_VALIDATION))
	assert.Equal(t, errors.CodeInvalidMerge, errors.CodeOf(err))

	// An interval that still has occurrences continues from the counter.
	merged, err := ApplyMerge(current, &Record{Trigger: Interval{Start: start, Period: 30 * time.Minute, RepeatLimit: 4}})
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), merged.FireTime)
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusScheduled.CanTransition(StatusRunning))
	assert.True(t, StatusRetry.CanTransition(StatusRunning))
	assert.True(t, StatusRunning.CanTransition(StatusRetry))
	assert.True(t, StatusRunning.CanTransition(StatusExecuted))
	assert.True(t, StatusScheduled.CanTransition(StatusCanceled))
	assert.False(t, StatusExecuted.CanTransition(StatusCanceled))
	assert.False(t, StatusCanceled.CanTransition(StatusScheduled))
	assert.False(t, StatusScheduled.CanTransition(StatusExecuted))

	assert.True(t, StatusRetry.CanArm())
	assert.False(t, StatusRunning.CanArm())

	_, err := ParseStatus("SCHEDULED")
	assert.NoError(t, err)
	_, err = ParseStatus("scheduled")
	assert.Error(t, err)
}
