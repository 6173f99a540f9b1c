package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/handlers"
	"chat-sync/internal/middleware"
	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

const serviceName = "chat-sync-relay"

func main() {
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.AppEnv, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	events := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer events.Close()
	pushes := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.PushExchange)
	defer pushes.Close()
	log.Printf("publishers ready events_mode=%s push_mode=%s reason=%q",
		rabbitmq.PublisherMode(events), rabbitmq.PublisherMode(pushes), rabbitmq.PublisherNoopReason(events))
	observability.SetPublisher(events)
	audit := telemetry.NewAuditEmitter(events, "audit.chat", serviceName, cfg.AppEnv)

	convRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	notificationRepo := repositories.NewNotificationRepo(database)
	validator := middleware.NewTokenValidator(cfg.JWTSecret)

	hub := ws.NewHub(nil)
	relay := ws.NewRelay(hub, convRepo, messageRepo, notificationRepo, validator, ws.Config{
		NotificationTTL: cfg.NotificationTTL,
		TypingTTL:       cfg.TypingTTL,
		SyncPageSize:    cfg.SyncPageSize,
		Pusher:          rabbitmq.NewPushPublisher(pushes),
		Audit:           audit,
	})

	conversationHandler := handlers.NewConversationHandler(convRepo, messageRepo)
	notificationHandler := handlers.NewNotificationHandler(notificationRepo, relay, audit, nil)

	router := gin.Default()
	router.Use(otelgin.Middleware(serviceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	router.GET("/ws", relay.Handle)

	authMiddleware := middleware.AuthMiddleware(validator)
	router.GET("/conversations", authMiddleware, conversationHandler.ListConversations)
	router.POST("/conversations", authMiddleware, conversationHandler.StartConversation)
	router.GET("/conversations/:id/messages", authMiddleware, conversationHandler.GetMessages)
	router.GET("/notifications", authMiddleware, notificationHandler.ListUnread)
	router.POST("/notifications", authMiddleware, notificationHandler.CreateNotification)
	router.POST("/notifications/:id/read", authMiddleware, notificationHandler.MarkRead)

	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutesEnabled())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("http listening port=%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return err
		}
		log.Printf("grpc health listening port=%s", cfg.GRPCPort)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("relay stopped")
}
