// Package session is the client engine. It wires the connection manager,
// presence tracker, message store, delivery coordinator and notification
// fan-out behind one consumer loop: inbound events and UI commands are
// queued as typed messages and applied in order.
package session

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chat-sync/internal/conn"
	"chat-sync/internal/delivery"
	"chat-sync/internal/models"
	"chat-sync/internal/notify"
	"chat-sync/internal/observability"
	"chat-sync/internal/presence"
	"chat-sync/internal/protocol"
	"chat-sync/internal/store"
)

// ErrStopped is returned by calls made after Run returned.
var ErrStopped = errors.New("session stopped")

const (
	eventChanSize   = 256
	commandChanSize = 16
	updateChanSize  = 256
)

// Config assembles the client engine.
type Config struct {
	Identity        conn.Identity
	Conn            conn.Config
	AckTimeout      time.Duration
	TypingTTL       time.Duration
	NotificationTTL time.Duration
	// SweepInterval is how often ack timeouts and typing expiry are checked.
	SweepInterval time.Duration
	PushIcon      string
	Toasts        notify.ToastSink
	Pusher        notify.BackgroundPusher
	Clock         clockwork.Clock
	Logger        *log.Logger
	NewID         func() string
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Conn.Logger == nil {
		c.Conn.Logger = c.Logger
	}
	return c
}

type command struct {
	fn     func() error
	result chan error
}

// Session is one signed-in client.
type Session struct {
	cfg    Config
	selfID string
	clock  clockwork.Clock
	logger *log.Logger
	tracer trace.Tracer

	conn     *conn.Manager
	store    *store.Store
	coord    *delivery.Coordinator
	presence *presence.Tracker
	typing   *presence.Typing
	fanout   *notify.Fanout

	events   chan event
	commands chan command
	resync   chan conn.SyncReason
	updates  chan Update
	stopped  chan struct{}

	// owned by the loop
	typingSent  map[string]time.Time
	syncSpan    trace.Span
	syncApplied []models.Message
}

// New assembles a session around dialer. Nothing connects until Connect.
func New(dialer conn.Dialer, cfg Config) *Session {
	cfg = cfg.withDefaults()
	selfID := cfg.Identity.UserID
	manager := conn.NewManager(dialer, cfg.Conn)
	st := store.New(selfID, cfg.Clock)

	s := &Session{
		cfg:        cfg,
		selfID:     selfID,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		tracer:     otel.Tracer("chat-sync/session"),
		conn:       manager,
		store:      st,
		presence:   presence.NewTracker(),
		typing:     presence.NewTyping(cfg.Clock, cfg.TypingTTL),
		events:     make(chan event, eventChanSize),
		commands:   make(chan command, commandChanSize),
		resync:     make(chan conn.SyncReason, 1),
		updates:    make(chan Update, updateChanSize),
		stopped:    make(chan struct{}),
		typingSent: make(map[string]time.Time),
	}
	s.coord = delivery.New(selfID, manager, st, delivery.Config{
		AckTimeout: cfg.AckTimeout,
		Clock:      cfg.Clock,
		Logger:     cfg.Logger,
		NewID:      cfg.NewID,
	})
	s.fanout = notify.New(selfID, cfg.Toasts, cfg.Pusher, manager, notify.Config{
		TTL:    cfg.NotificationTTL,
		Icon:   cfg.PushIcon,
		Clock:  cfg.Clock,
		Logger: cfg.Logger,
	})
	s.register()
	manager.OnSync(func(reason conn.SyncReason) {
		select {
		case s.resync <- reason:
		default:
		}
	})
	return s
}

// Connect opens the connection. See conn.Manager.Connect for the error
// contract.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx, s.cfg.Identity)
}

// Disconnect closes the connection and discards unsent frames. In-flight
// messages stay pending and time out after the next connect.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

// Run processes events and commands until ctx is done, then closes the
// connection.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()
	defer close(s.stopped)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.fanout.Run(ctx) })
	g.Go(func() error { return s.loop(ctx) })
	return g.Wait()
}

func (s *Session) loop(ctx context.Context) error {
	states, unsubscribe := s.conn.Subscribe()
	defer unsubscribe()
	sweep := s.clock.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.endSync("cancelled")
			return nil
		case st := <-states:
			s.onState(st)
		case reason := <-s.resync:
			s.requestSync(ctx, reason)
		case ev := <-s.events:
			s.applyEvent(ev)
		case cmd := <-s.commands:
			cmd.result <- cmd.fn()
		case <-sweep.Chan():
			s.sweepTimers()
		}
	}
}

func (s *Session) applyEvent(ev event) {
	err := ev.apply(s)
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrDuplicateEvent):
		observability.IncDuplicateDiscarded(ev.kind())
	default:
		s.logger.Printf("event not applied kind=%s err=%v", ev.kind(), err)
	}
}

func (s *Session) onState(st conn.State) {
	connected := st == conn.StateConnected
	s.presence.SetConnected(connected)
	s.coord.SetConnected(connected)
	if !connected {
		s.typingSent = make(map[string]time.Time)
		s.endSync("disconnected")
	}
	update := Update{Kind: UpdateConnection, State: st}
	if st == conn.StateClosed {
		if err := s.conn.Err(); err != nil {
			update.Err = err
			for _, msg := range s.coord.FailAll(err) {
				if msg.ID == "" {
					continue
				}
				s.emit(Update{Kind: UpdateMessage, Message: msg, Err: err})
			}
		}
	}
	s.emit(update)
}

func (s *Session) requestSync(ctx context.Context, reason conn.SyncReason) {
	s.endSync("superseded")
	_, span := s.tracer.Start(ctx, "session.resync", trace.WithAttributes(
		attribute.String("sync.reason", reason.String()),
		attribute.String("user.id", s.selfID),
	))
	s.syncSpan = span

	req := protocol.SyncRequest{
		Watermarks:         s.store.Watermarks(),
		Since:              s.store.Watermark(),
		NotificationsSince: s.fanout.Watermark(),
	}
	if _, err := s.conn.Send(protocol.ChannelChat, protocol.EventSyncRequest, req); err != nil {
		s.logger.Printf("resync not sent reason=%s err=%v", reason, err)
		s.endSync("send failed")
		return
	}
	s.logger.Printf("resync requested reason=%s conversations=%d", reason, len(req.Watermarks))
}

func (s *Session) endSync(outcome string) {
	s.syncApplied = nil
	if s.syncSpan == nil {
		return
	}
	s.syncSpan.SetAttributes(attribute.String("sync.outcome", outcome))
	s.syncSpan.End()
	s.syncSpan = nil
}

// finishSync ends the resync after its last page and reports every message
// the pages added or changed.
func (s *Session) finishSync(outcome string) {
	applied := s.syncApplied
	s.endSync(outcome)
	s.emit(Update{Kind: UpdateSync, Messages: applied})
}

func (s *Session) sweepTimers() {
	for _, msg := range s.coord.CheckTimeouts() {
		if msg.ID == "" {
			continue
		}
		s.emit(Update{Kind: UpdateMessage, Message: msg, Err: s.coord.Failure(msg.ID)})
	}
	for _, ind := range s.typing.Expire() {
		s.emit(Update{Kind: UpdateTyping, Typing: ind, Stopped: true})
	}
}

func (s *Session) post(ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.stopped:
		return ErrStopped
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, result: make(chan error, 1)}
	select {
	case s.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateKind classifies an Update.
type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateReceipt      UpdateKind = "receipt"
	UpdatePresence     UpdateKind = "presence"
	UpdateTyping       UpdateKind = "typing"
	UpdateConnection   UpdateKind = "connection"
	UpdateSync         UpdateKind = "sync"
	UpdateNotification UpdateKind = "notification"
	UpdateServerError  UpdateKind = "server_error"
)

// Update is what the UI observes.
type Update struct {
	Kind         UpdateKind
	Message      models.Message
	Messages     []models.Message
	Presence     models.PresenceState
	Typing       models.TypingIndicator
	Stopped      bool
	Notification models.Notification
	State        conn.State
	Err          error
}

// Updates returns the UI event stream. Updates are dropped, never
// blocked on, when the consumer falls behind.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

func (s *Session) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logger.Printf("update stream full, dropping kind=%s", u.Kind)
	}
}
