package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Publisher is the event stream sink. rabbitmq.Publisher satisfies it.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends an event through the default publisher. A missing
// trace id header is taken from the span in ctx.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["trace_id"]; !ok {
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			headers["trace_id"] = traceID
		}
	}

	err := defaultPublisher.PublishJSON(ctx, routingKey, message, headers)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}

func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
