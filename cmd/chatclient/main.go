package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"chat-sync/internal/config"
	"chat-sync/internal/conn"
	"chat-sync/internal/models"
	"chat-sync/internal/notify"
	"chat-sync/internal/observability"
	"chat-sync/internal/protocol"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/session"
	"chat-sync/internal/telemetry"
)

const serviceName = "chat-sync-client"

// logToasts renders in-app toasts on the console.
type logToasts struct {
	logger *log.Logger
}

func (t logToasts) Show(n models.Notification) {
	t.logger.Printf("toast type=%s id=%s title=%q body=%q", n.Type, n.ID, n.Title, n.Body)
}

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	role, err := models.ParseRole(cfg.Role)
	if err != nil {
		log.Fatalf("invalid CHAT_ROLE: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, "client", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	logger := log.New(os.Stderr, "chatclient ", log.LstdFlags|log.Lmicroseconds)

	var pusher notify.BackgroundPusher
	if cfg.AMQPURL != "" {
		publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.PushExchange)
		defer publisher.Close()
		pusher = rabbitmq.NewPushPublisher(publisher)
		logger.Printf("background push mode=%s", rabbitmq.PublisherMode(publisher))
	}

	s := session.New(conn.NewWebsocketDialer(cfg.RelayWSURL, 10*time.Second), session.Config{
		Identity: conn.Identity{
			UserID:   cfg.UserID,
			Role:     role,
			DeviceID: cfg.DeviceID,
			Token:    cfg.Token,
		},
		Conn: conn.Config{
			ReconnectMin:           cfg.ReconnectMin,
			ReconnectMax:           cfg.ReconnectMax,
			HeartbeatInterval:      cfg.HeartbeatInterval,
			HeartbeatTimeout:       cfg.HeartbeatTimeout,
			OutboundBuffer:         cfg.OutboundBuffer,
			ChannelQueue:           cfg.ChannelQueue,
			ProtocolErrorThreshold: cfg.ProtocolErrorThreshold,
		},
		AckTimeout:      cfg.AckTimeout,
		TypingTTL:       cfg.TypingTTL,
		NotificationTTL: cfg.NotificationTTL,
		PushIcon:        cfg.PushIcon,
		Toasts:          logToasts{logger: logger},
		Pusher:          pusher,
		Logger:          logger,
	})

	status := newStatusServer(cfg.MetricsAddr, s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error {
		err := s.Connect(gctx)
		if protocol.IsAuthExpired(err) {
			return fmt.Errorf("relay rejected the credential: %w", err)
		}
		if err != nil {
			logger.Printf("connect pending, retrying in background err=%v", err)
		}
		return nil
	})
	g.Go(func() error { return logUpdates(gctx, s, logger) })
	g.Go(func() error { return readCommands(gctx, s, logger) })
	g.Go(func() error {
		if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return status.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("client stopped: %v", err)
	}
}

func newStatusServer(addr string, s *session.Session) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connection":    s.State().String(),
			"buffered":      s.Buffered(),
			"conversations": s.Conversations(),
			"unread":        len(s.Inbox()),
		})
	})
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))
	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
}

func logUpdates(ctx context.Context, s *session.Session, logger *log.Logger) error {
	updates := s.Updates()
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			switch u.Kind {
			case session.UpdateMessage, session.UpdateReceipt:
				logger.Printf("%s id=%s conversation_id=%s status=%s sender_id=%s", u.Kind, u.Message.ID, u.Message.ConversationID, u.Message.Status, u.Message.SenderID)
			case session.UpdatePresence:
				logger.Printf("presence user_id=%s online=%t connections=%d", u.Presence.UserID, u.Presence.Online, u.Presence.Connections)
			case session.UpdateTyping:
				logger.Printf("typing user_id=%s conversation_id=%s stopped=%t", u.Typing.UserID, u.Typing.ConversationID, u.Stopped)
			case session.UpdateConnection:
				logger.Printf("connection state=%s", u.State)
			case session.UpdateSync:
				logger.Printf("sync applied messages=%d", len(u.Messages))
			case session.UpdateNotification:
				logger.Printf("notification id=%s read=%t", u.Notification.ID, u.Notification.Read)
			case session.UpdateServerError:
				logger.Printf("server error err=%v", u.Err)
			}
		}
	}
}

// readCommands feeds console lines to the session until stdin closes or
// ctx is done. The scanner goroutine is left blocked on stdin at exit.
func readCommands(ctx context.Context, s *session.Session, logger *log.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			cmd, err := parseLine(line)
			if err != nil {
				logger.Printf("%v", err)
				continue
			}
			cmdCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			out, err := execute(cmdCtx, s, cmd)
			cancel()
			if err != nil {
				logger.Printf("%s failed: %v", cmd.name, err)
				continue
			}
			if out != "" {
				fmt.Println(out)
			}
		}
	}
}
