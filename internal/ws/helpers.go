package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chat-sync/internal/observability"
)

const (
	wsKind       = "session"
	wsRoutingKey = "ws_events.sessions"
)

func newConnID() string {
	return uuid.NewString()
}

// publishLifecycle records a connection lifecycle event on the metrics
// and the AMQP event stream.
func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string, now time.Time) {
	observability.IncWSEvent(wsKind, event)
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        wsKind,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": now.Sub(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"role":      string(info.Role),
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.NewEventEnvelope("ws_events", event, now, payload),
		observability.BuildHeaders(info.RequestID, info.TraceID))
}
