package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"chat-sync/internal/middleware"
	"chat-sync/internal/models"
	"chat-sync/internal/notify"
	"chat-sync/internal/observability"
	"chat-sync/internal/protocol"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

var (
	ErrInvalidNotification = errors.New("notification needs a target user and a title")
	ErrNotParticipant      = errors.New("not a conversation participant")
)

// Config tunes the relay.
type Config struct {
	NotificationTTL time.Duration
	TypingTTL       time.Duration
	SendQueue       int
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	EventTimeout    time.Duration
	// SyncPageSize caps the messages returned per conversation per sync
	// response.
	SyncPageSize int
	PushIcon     string
	Pusher       notify.BackgroundPusher
	Audit        *telemetry.AuditEmitter
	Clock        clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 10 * time.Second
	}
	if c.SyncPageSize <= 0 {
		c.SyncPageSize = 500
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Relay is the server side of the sync protocol: it authenticates
// websocket sessions, persists chat events and fans them out to every
// live connection of the participants.
type Relay struct {
	hub       *Hub
	convs     repositories.ConversationRepository
	messages  repositories.MessageRepository
	notes     repositories.NotificationRepository
	validator *middleware.TokenValidator
	cfg       Config
	clock     clockwork.Clock

	typingMu   sync.Mutex
	typingSent map[typingKey]time.Time
}

type typingKey struct {
	userID         string
	conversationID string
}

// NewRelay wires the relay around its stores.
func NewRelay(hub *Hub, convs repositories.ConversationRepository, messages repositories.MessageRepository,
	notes repositories.NotificationRepository, validator *middleware.TokenValidator, cfg Config) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		hub:        hub,
		convs:      convs,
		messages:   messages,
		notes:      notes,
		validator:  validator,
		cfg:        cfg,
		clock:      cfg.Clock,
		typingSent: make(map[typingKey]time.Time),
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates and upgrades a websocket session.
func (r *Relay) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token, ok := middleware.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}
	claims, err := r.validator.Validate(token)
	if err != nil {
		span.SetStatus(codes.Error, "invalid token")
		observability.IncWSEvent(wsKind, "ws_rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", claims.UserID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	meta := observability.RequestMetaFrom(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      claims.UserID,
		Role:        claims.Role,
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: r.clock.Now(),
	}
	conn.SetReadLimit(r.cfg.MaxFrameBytes)
	client := newClient(conn, info, r.cfg.SendQueue)
	go client.writeLoop(r.cfg.WriteTimeout)

	r.hub.Register(client)
	observability.IncWSActive(wsKind)
	observability.SetOnlineUsers(r.hub.OnlineUsers())
	r.reply(client, protocol.ChannelSession, protocol.EventWelcome, protocol.Welcome{UserID: info.UserID, ConnectionID: info.ConnID})
	publishLifecycle(ctx, info, "ws_connect", "", info.ConnectedAt)
	log.Printf("ws connected conn_id=%s user_id=%s device_id=%s", info.ConnID, info.UserID, info.DeviceID)

	// session work outlives the handshake request
	sessionCtx := context.WithoutCancel(ctx)
	r.announcePresence(sessionCtx, info, protocol.PresenceConnect)
	r.sendPresenceSnapshot(sessionCtx, client)
	go r.readLoop(sessionCtx, client)
}

func (r *Relay) readLoop(ctx context.Context, client *Client) {
	info := client.info
	var closeReason string
	defer func() {
		client.close()
		if _, removed := r.hub.Unregister(client); !removed {
			return
		}
		observability.DecWSActive(wsKind)
		observability.SetOnlineUsers(r.hub.OnlineUsers())
		r.announcePresence(ctx, info, protocol.PresenceDisconnect)
		publishLifecycle(ctx, info, "ws_disconnect", closeReason, r.clock.Now())
		log.Printf("ws disconnected conn_id=%s user_id=%s reason=%q", info.ConnID, info.UserID, closeReason)
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishLifecycle(ctx, info, "ws_error", closeReason, r.clock.Now())
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			r.sendError(client, "bad_frame", err, "")
			continue
		}
		eventCtx, cancel := context.WithTimeout(ctx, r.cfg.EventTimeout)
		err = r.dispatch(eventCtx, client, env)
		cancel()
		if errors.Is(err, errEndSession) {
			closeReason = "credential rejected"
			return
		}
		if err != nil {
			r.sendError(client, errorCode(err), err, string(env.Event))
		}
	}
}

// announcePresence sends a per-connection delta to everyone sharing a
// conversation with the user.
func (r *Relay) announcePresence(ctx context.Context, info ConnInfo, transition protocol.PresenceTransition) {
	peers, err := r.convs.Peers(ctx, info.UserID)
	if err != nil {
		log.Printf("presence peers lookup failed user_id=%s err=%v", info.UserID, err)
		return
	}
	update := r.hub.Presence(info.UserID)
	update.ConnectionID = info.ConnID
	update.State = transition
	frame, err := protocol.Encode(protocol.ChannelPresence, protocol.EventPresenceUpdate, update)
	if err != nil {
		return
	}
	for _, peer := range peers {
		r.hub.Deliver(peer, frame, nil)
	}
}

func (r *Relay) sendPresenceSnapshot(ctx context.Context, client *Client) {
	peers, err := r.convs.Peers(ctx, client.info.UserID)
	if err != nil {
		log.Printf("presence peers lookup failed user_id=%s err=%v", client.info.UserID, err)
		return
	}
	for _, peer := range peers {
		r.reply(client, protocol.ChannelPresence, protocol.EventPresenceUpdate, r.hub.Presence(peer))
	}
}

// reply queues one frame on a single connection.
func (r *Relay) reply(client *Client, channel protocol.Channel, event protocol.Event, payload interface{}) bool {
	frame, err := protocol.Encode(channel, event, payload)
	if err != nil {
		log.Printf("encode failed event=%s err=%v", event, err)
		return false
	}
	return client.enqueue(frame)
}

// fanOut queues one frame on every connection of every listed user.
func (r *Relay) fanOut(users []string, channel protocol.Channel, event protocol.Event, payload interface{}, except *Client) int {
	frame, err := protocol.Encode(channel, event, payload)
	if err != nil {
		log.Printf("encode failed event=%s err=%v", event, err)
		return 0
	}
	accepted := 0
	for _, userID := range users {
		accepted += r.hub.Deliver(userID, frame, except)
	}
	return accepted
}

func (r *Relay) sendError(client *Client, code string, err error, ref string) {
	log.Printf("ws event rejected conn_id=%s user_id=%s code=%s ref=%s err=%v", client.info.ConnID, client.info.UserID, code, ref, err)
	r.reply(client, protocol.ChannelSystem, protocol.EventError, protocol.ErrorPayload{Code: code, Message: err.Error(), Ref: ref})
}

// Notify stores a notification and pushes it to the target's live
// connections, or hands it to the background pusher when none is live.
func (r *Relay) Notify(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.TargetUserID == "" || n.Title == "" {
		return models.Notification{}, ErrInvalidNotification
	}
	n.ID = uuid.NewString()
	if n.Type == "" {
		n.Type = models.NotificationInfo
	}
	if r.cfg.NotificationTTL > 0 {
		expires := r.clock.Now().Add(r.cfg.NotificationTTL)
		n.ExpiresAt = &expires
	}
	stored, err := r.notes.Create(ctx, n)
	if err != nil {
		return models.Notification{}, err
	}

	live := r.fanOut([]string{stored.TargetUserID}, protocol.ChannelNotification, protocol.EventNotifyPush,
		protocol.PushFromNotification(stored), nil)
	if live > 0 {
		return stored, nil
	}
	if r.cfg.Pusher == nil {
		log.Printf("notification stored for offline user without pusher id=%s user_id=%s", stored.ID, stored.TargetUserID)
		return stored, nil
	}
	err = r.cfg.Pusher.Push(ctx, notify.PushJob{
		NotificationID: stored.ID,
		TargetUserID:   stored.TargetUserID,
		Title:          stored.Title,
		Body:           stored.Body,
		Icon:           r.cfg.PushIcon,
	})
	if err != nil {
		observability.IncPushJob("failed")
		log.Printf("push job publish failed id=%s user_id=%s err=%v", stored.ID, stored.TargetUserID, err)
		return stored, nil
	}
	observability.IncPushJob("published")
	return stored, nil
}

// MarkNotificationRead is idempotent. The user's other connections learn
// about the first successful mark only.
func (r *Relay) MarkNotificationRead(ctx context.Context, userID, notificationID string, origin *Client) error {
	changed, err := r.notes.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	if changed {
		r.fanOut([]string{userID}, protocol.ChannelNotification, protocol.EventNotifyRead,
			protocol.NotifyRead{NotificationID: notificationID}, origin)
	}
	return nil
}
