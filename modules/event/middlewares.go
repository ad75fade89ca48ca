package event

import (
	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/Deepreo/jobs/modules/event"

// OTelMiddleware continues the trace carried in message metadata and wraps the handler in a
// consumer span named after the event.
func OTelMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))

		name := msg.Metadata.Get("event_name")
		if name == "" {
			name = "message"
		}
		attrs := []attribute.KeyValue{
			attribute.String("messaging.system", "watermill"),
			attribute.String("messaging.message_id", msg.UUID),
			attribute.String("messaging.destination.name", name),
		}
		if id := msg.Metadata.Get("job_id"); id != "" {
			attrs = append(attrs, attribute.String("job.id", id))
		}

		ctx, span := otel.Tracer(TracerName).Start(ctx, "handle "+name,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()
		msg.SetContext(ctx)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

// TraceContextDecorator injects the publishing context's trace into message metadata so
// subscribers on other transports can continue it.
func TraceContextDecorator(pub message.Publisher) (message.Publisher, error) {
	return &traceContextPublisher{pub}, nil
}

type traceContextPublisher struct {
	message.Publisher
}

func (t *traceContextPublisher) Publish(topic string, messages ...*message.Message) error {
	propagator := otel.GetTextMapPropagator()
	for _, msg := range messages {
		propagator.Inject(msg.Context(), propagation.MapCarrier(msg.Metadata))
	}
	return t.Publisher.Publish(topic, messages...)
}
