package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total number of HTTP requests processed by the relay.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	grpcServerHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grpc_server_handled_total",
			Help: "Total number of gRPC requests handled by the server.",
		},
		[]string{"grpc_service", "grpc_method", "grpc_code"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chat_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	onlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_online_users",
			Help: "Number of users with at least one live connection.",
		},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	pushJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_push_jobs_total",
			Help: "Background push deliveries handed to the push collaborator.",
		},
		[]string{"outcome"},
	)

	clientReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_reconnects_total",
			Help: "Reconnect attempts made by the client connection manager.",
		},
	)
	clientOutboundBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_client_outbound_buffered",
			Help: "Frames waiting in the client outbound buffer.",
		},
	)
	clientOutboundRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_outbound_rejected_total",
			Help: "Sends rejected because the outbound buffer was full.",
		},
	)
	clientProtocolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_protocol_errors_total",
			Help: "Inbound frames dropped as malformed or unexpected.",
		},
		[]string{"channel"},
	)
	clientAckTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_client_ack_timeouts_total",
			Help: "Messages marked FAILED because no ack arrived in time.",
		},
	)
	clientDuplicatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_duplicates_discarded_total",
			Help: "Events discarded as duplicates.",
		},
		[]string{"kind"},
	)
	clientChannelDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_client_channel_drops_total",
			Help: "Inbound events dropped because a channel queue was full.",
		},
		[]string{"channel"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		grpcServerHandledTotal,
		wsActiveConnections,
		wsEventsTotal,
		onlineUsers,
		amqpPublishErrorsTotal,
		pushJobsTotal,
		clientReconnectsTotal,
		clientOutboundBuffered,
		clientOutboundRejectedTotal,
		clientProtocolErrorsTotal,
		clientAckTimeoutsTotal,
		clientDuplicatesTotal,
		clientChannelDropsTotal,
	)
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func GRPCServerMetricsUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		statusInfo := status.Convert(err)
		service, method := splitFullMethod(info.FullMethod)
		grpcServerHandledTotal.WithLabelValues(service, method, statusInfo.Code().String()).Inc()
		return resp, err
	}
}

func splitFullMethod(fullMethod string) (string, string) {
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 3 {
		return "unknown", "unknown"
	}
	return parts[1], parts[2]
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func SetOnlineUsers(n int) {
	onlineUsers.Set(float64(n))
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

func IncPushJob(outcome string) {
	pushJobsTotal.WithLabelValues(outcome).Inc()
}

func IncClientReconnect() {
	clientReconnectsTotal.Inc()
}

func SetOutboundBuffered(n int) {
	clientOutboundBuffered.Set(float64(n))
}

func IncOutboundRejected() {
	clientOutboundRejectedTotal.Inc()
}

func IncProtocolError(channel string) {
	clientProtocolErrorsTotal.WithLabelValues(channel).Inc()
}

func IncAckTimeout() {
	clientAckTimeoutsTotal.Inc()
}

func IncDuplicateDiscarded(kind string) {
	clientDuplicatesTotal.WithLabelValues(kind).Inc()
}

func IncChannelDrop(channel string) {
	clientChannelDropsTotal.WithLabelValues(channel).Inc()
}
