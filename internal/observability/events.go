package observability

import "time"

// EventEnvelope is the body of every event published on the event stream.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

func NewEventEnvelope(eventType, eventName string, at time.Time, payload interface{}) EventEnvelope {
	return EventEnvelope{EventType: eventType, EventName: eventName, OccurredAt: at.UTC(), Payload: payload}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
