package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Deepreo/jobs/errors"
	"github.com/Deepreo/jobs/job"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	CodePublished    = "PUBLISHED"
	CodePublishError = "PUBLISH_ERROR"
)

// MessageExecutor publishes a job's payload to a topic of the message bus.
type MessageExecutor struct {
	publisher message.Publisher
}

func NewMessageExecutor(publisher message.Publisher) *MessageExecutor {
	return &MessageExecutor{publisher: publisher}
}

func (e *MessageExecutor) Accepts(kind job.RecipientKind) bool {
	return kind == job.RecipientMessage
}

func (e *MessageExecutor) Execute(ctx context.Context, req job.ExecutionRequest) (job.ExecutionResponse, error) {
	recipient, ok := req.Record.Recipient.(job.MessageRecipient)
	if !ok {
		return job.ExecutionResponse{}, errors.AppError(fmt.Errorf("message executor cannot deliver %T", req.Record.Recipient)).
			WithCode(errors.CodeUnsupportedRecipient)
	}

	msg := message.NewMessageWithContext(ctx, watermill.NewUUID(), message.Payload(recipient.Payload))
	for k, v := range recipient.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set("job_id", req.Record.ID)
	msg.Metadata.Set("correlation_id", req.Record.CorrelationID)
	if req.RemainingRepeats >= 0 {
		msg.Metadata.Set("remaining_repeats", strconv.Itoa(req.RemainingRepeats))
	}

	if err := e.publisher.Publish(recipient.Topic, msg); err != nil {
		return failed(CodePublishError, err.Error()), nil
	}
	return job.ExecutionResponse{
		Code:    CodePublished,
		Message: msg.UUID,
		Success: true,
	}, nil
}
