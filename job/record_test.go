package job

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Deepreo/jobs/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Record{
		ID:            "job-1",
		CorrelationID: "corr-1",
		Trigger:       Interval{Start: at, Period: time.Minute, RepeatLimit: 3},
		Recipient: HTTPRecipient{
			URL:         "http://localhost:8080/callback",
			Method:      "POST",
			Headers:     map[string]string{"X-Tenant": "acme"},
			QueryParams: map[string]string{"source": "jobs"},
			Payload:     json.RawMessage(`{"hello":"world"}`),
		},
		Status:           StatusScheduled,
		Priority:         5,
		Retries:          3,
		ExecutionCounter: 1,
		ScheduledID:      "timer-1",
		FireTime:         at.Add(time.Minute),
		ExecutionTimeout: 2 * time.Second,
		Created:          at,
		LastUpdate:       at,
		ExecutionResponse: &ExecutionResponse{
			Code:      "200",
			Message:   "OK",
			Timestamp: at,
			Success:   true,
		},
	}
}

func TestRecord_Validate(t *testing.T) {
	assert.NoError(t, sampleRecord().Validate())

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"blank id", func(r *Record) { r.ID = "  " }},
		{"blank correlation id", func(r *Record) { r.CorrelationID = "" }},
		{"missing schedule", func(r *Record) { r.Trigger = nil }},
		{"missing recipient", func(r *Record) { r.Recipient = nil }},
		{"negative retries", func(r *Record) { r.Retries = -1 }},
		{"negative timeout", func(r *Record) { r.ExecutionTimeout = -time.Second }},
		{"terminal with timer", func(r *Record) { r.Status = StatusCanceled }},
		{"unknown status", func(r *Record) { r.Status = "PAUSED" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sampleRecord()
			tt.mutate(r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestRecord_CloneIsDeep(t *testing.T) {
	original := sampleRecord()
	clone := original.Clone()
	require.Equal(t, original, clone)

	clone.Recipient.(HTTPRecipient).Headers["X-Tenant"] = "other"
	clone.ExecutionResponse.Code = "500"

	assert.Equal(t, "acme", original.Recipient.(HTTPRecipient).Headers["X-Tenant"])
	assert.Equal(t, "200", original.ExecutionResponse.Code)
}

func TestRecord_JSON(t *testing.T) {
	original := sampleRecord()
	data, err := json.Marshal(original)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	recipient := wire["recipient"].(map[string]any)
	assert.Equal(t, "http", recipient["type"])
	assert.Equal(t, "interval", wire["schedule"].(map[string]any)["type"])

	var decoded Record
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, &decoded)
}

func TestRecord_UnknownRecipientDecodes(t *testing.T) {
	var d Destination
	require.NoError(t, json.Unmarshal([]byte(`{"type":"carrier-pigeon","coop":"north"}`), &d))
	assert.Equal(t, RecipientKind("carrier-pigeon"), d.Recipient.Kind())

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"carrier-pigeon","coop":"north"}`, string(data))
}

func TestRemainingRepeats(t *testing.T) {
	r := sampleRecord()
	// Three occurrences, one done: the one about to run leaves one more.
	assert.Equal(t, 1, r.RemainingRepeats())

	r.ExecutionCounter = 2
	assert.Equal(t, 0, r.RemainingRepeats())

	r.Trigger = Interval{Start: time.Now(), Period: time.Second}
	assert.Equal(t, -1, r.RemainingRepeats())
}

func TestNotFound(t *testing.T) {
	err := NotFound("missing")
	assert.True(t, IsNotFound(err))
	assert.True(t, errors.LevelOf(err, errors.ERR_NOT_FOUND))
	assert.False(t, IsNotFound(errors.New("boom")))
}
