package observability

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type recordingPublisher struct {
	mock.Mock
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := p.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func TestPublishEventFillsTraceID(t *testing.T) {
	pub := new(recordingPublisher)
	SetPublisher(pub)
	t.Cleanup(func() { SetPublisher(nil) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	envelope := NewEventEnvelope("ws_events", "ws_connect", time.Date(2026, 4, 2, 8, 0, 0, 0, time.FixedZone("x", 3600)), nil)
	assert.Equal(t, time.UTC, envelope.OccurredAt.Location())
	pub.On("PublishJSON", ctx, "ws_events.sessions", envelope, map[string]string{
		"x-request-id": "req-1",
		"trace_id":     "4bf92f3577b34da6a3ce929d0e0e4736",
	}).Return(nil).Once()

	require.NoError(t, PublishEvent(ctx, "ws_events.sessions", envelope, BuildHeaders("req-1", "")))
	pub.AssertExpectations(t)
}

func TestPublishEventWithoutPublisher(t *testing.T) {
	SetPublisher(nil)
	assert.NoError(t, PublishEvent(context.Background(), "k", "v", nil))
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	assert.Equal(t, "10.0.0.1", IPFromRequest(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("X-Real-IP", "10.0.0.9")
	assert.Equal(t, "10.0.0.9", IPFromRequest(req))

	req = httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "192.168.1.5:4000"
	assert.Equal(t, "192.168.1.5", IPFromRequest(req))
}

func TestRequestMetaFrom(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set(HeaderDeviceID, "phone-1")
	req.Header.Set(HeaderRequestID, "req-9")
	req.RemoteAddr = "192.168.1.5:4000"

	assert.Equal(t, RequestMeta{DeviceID: "phone-1", RequestID: "req-9", IP: "192.168.1.5"}, RequestMetaFrom(req))
}
