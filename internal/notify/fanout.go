// Package notify routes server-pushed notifications and new-message alerts
// to in-app toasts or, while the app is unfocused, to background push.
package notify

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/protocol"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Decision is the outcome of routing one event.
type Decision int

const (
	Suppress Decision = iota
	Render
)

func (d Decision) String() string {
	if d == Render {
		return "render"
	}
	return "suppress"
}

// PushJob is the contract with the background delivery collaborator.
type PushJob struct {
	NotificationID string `json:"notificationId,omitempty"`
	TargetUserID   string `json:"targetUserId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Icon           string `json:"icon,omitempty"`
}

// ToastSink shows in-app transient notifications.
type ToastSink interface {
	Show(n models.Notification)
}

// BackgroundPusher delivers platform notifications while the app lacks
// focus. It owns registration and subscription mechanics.
type BackgroundPusher interface {
	Push(ctx context.Context, job PushJob) error
}

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(channel protocol.Channel, event protocol.Event, payload interface{}) (uint64, error)
}

// LogSink is a ToastSink that writes toasts to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Show(n models.Notification) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("toast id=%s type=%s title=%q", n.ID, n.Type, n.Title)
}

type Config struct {
	// TTL bounds inbox retention for notifications without an expiry.
	TTL         time.Duration
	Icon        string
	PushTimeout time.Duration
	QueueSize   int
	Clock       clockwork.Clock
	Logger      *log.Logger
}

// Fanout is safe for concurrent use.
type Fanout struct {
	cfg    Config
	selfID string
	toasts ToastSink
	pusher BackgroundPusher
	sender Sender
	jobs   chan pushTask

	mu               sync.Mutex
	seen             map[string]struct{}
	inbox            map[string]models.Notification
	focused          bool
	openConversation string
}

type pushTask struct {
	job  PushJob
	note models.Notification
}

// New returns a Fanout for selfID. pusher may be nil, in which case every
// event renders as a toast.
func New(selfID string, toasts ToastSink, pusher BackgroundPusher, sender Sender, cfg Config) *Fanout {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if toasts == nil {
		toasts = LogSink{Logger: cfg.Logger}
	}
	return &Fanout{
		cfg:     cfg,
		selfID:  selfID,
		toasts:  toasts,
		pusher:  pusher,
		sender:  sender,
		jobs:    make(chan pushTask, cfg.QueueSize),
		seen:    make(map[string]struct{}),
		inbox:   make(map[string]models.Notification),
		focused: true,
	}
}

// Run delivers background pushes until ctx is done. A failed push falls
// back to an in-app toast so the alert is not lost.
func (f *Fanout) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-f.jobs:
			f.push(ctx, task)
		}
	}
}

func (f *Fanout) push(ctx context.Context, task pushTask) {
	pushCtx, cancel := context.WithTimeout(ctx, f.cfg.PushTimeout)
	defer cancel()
	if err := f.pusher.Push(pushCtx, task.job); err != nil {
		observability.IncPushJob("failed")
		f.cfg.Logger.Printf("background push failed id=%s target=%s err=%v", task.job.NotificationID, task.job.TargetUserID, err)
		f.toasts.Show(task.note)
		return
	}
	observability.IncPushJob("delivered")
}

// SetFocus records whether the app is foregrounded and which conversation
// is open.
func (f *Fanout) SetFocus(focused bool, openConversation string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = focused
	f.openConversation = openConversation
}

// OnEvent routes one notify:push. Duplicates, expired notifications and
// ones addressed to another user are suppressed.
func (f *Fanout) OnEvent(ev protocol.NotifyPush) Decision {
	if ev.ID == "" || (ev.TargetUserID != "" && ev.TargetUserID != f.selfID) {
		return Suppress
	}
	now := f.cfg.Clock.Now()
	n := protocol.NotificationFromPush(ev)
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ExpiresAt == nil && f.cfg.TTL > 0 {
		expires := n.CreatedAt.Add(f.cfg.TTL)
		n.ExpiresAt = &expires
	}

	f.mu.Lock()
	if _, dup := f.seen[n.ID]; dup {
		f.mu.Unlock()
		observability.IncDuplicateDiscarded(string(protocol.EventNotifyPush))
		return Suppress
	}
	f.seen[n.ID] = struct{}{}
	if n.Expired(now) {
		f.mu.Unlock()
		return Suppress
	}
	f.inbox[n.ID] = n
	focused := f.focused
	f.mu.Unlock()

	f.route(n, focused)
	return Render
}

// OnMessage raises a new-message alert unless the message is the local
// user's own or its conversation is open in the foreground.
func (f *Fanout) OnMessage(msg models.Message) Decision {
	if msg.SenderID == f.selfID || msg.Deleted {
		return Suppress
	}
	key := "message:" + msg.ID
	f.mu.Lock()
	if _, dup := f.seen[key]; dup {
		f.mu.Unlock()
		return Suppress
	}
	f.seen[key] = struct{}{}
	focused := f.focused
	open := f.openConversation == msg.ConversationID
	f.mu.Unlock()
	if focused && open {
		return Suppress
	}

	f.route(models.Notification{
		ID:           key,
		Type:         models.NotificationInfo,
		Title:        "New message",
		Body:         preview(msg),
		TargetUserID: f.selfID,
		CreatedAt:    msg.SortTime(),
	}, focused)
	return Render
}

func preview(msg models.Message) string {
	const limit = 80
	body := []rune(msg.Body)
	if len(body) == 0 && msg.Media != nil {
		return "[" + msg.Media.Type + "]"
	}
	if len(body) > limit {
		return string(body[:limit]) + "…"
	}
	return string(body)
}

func (f *Fanout) route(n models.Notification, focused bool) {
	if focused || f.pusher == nil {
		f.toasts.Show(n)
		return
	}
	task := pushTask{
		note: n,
		job: PushJob{
			NotificationID: n.ID,
			TargetUserID:   f.selfID,
			Title:          n.Title,
			Body:           n.Body,
			Icon:           f.cfg.Icon,
		},
	}
	select {
	case f.jobs <- task:
	default:
		observability.IncPushJob("dropped")
		f.cfg.Logger.Printf("push queue full, showing toast id=%s", n.ID)
		f.toasts.Show(n)
	}
}

// MarkRead marks a notification read and tells the server. Marking an
// already-read notification is a no-op.
func (f *Fanout) MarkRead(id string) error {
	f.mu.Lock()
	n, ok := f.inbox[id]
	if !ok {
		_, seen := f.seen[id]
		f.mu.Unlock()
		if seen {
			return nil
		}
		return ErrNotificationNotFound
	}
	if n.Read {
		f.mu.Unlock()
		return nil
	}
	n.Read = true
	f.inbox[id] = n
	f.mu.Unlock()

	if f.sender == nil {
		return nil
	}
	_, err := f.sender.Send(protocol.ChannelNotification, protocol.EventNotifyRead, protocol.NotifyRead{NotificationID: id})
	return err
}

// ApplyRead records a read made on another device.
func (f *Fanout) ApplyRead(ev protocol.NotifyRead) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.inbox[ev.NotificationID]
	if !ok {
		// a later push for this id must not resurface it
		f.seen[ev.NotificationID] = struct{}{}
		return false
	}
	if n.Read {
		return false
	}
	n.Read = true
	f.inbox[ev.NotificationID] = n
	return true
}

// Inbox returns retained unread notifications, newest first. Expired ones
// are dropped.
func (f *Fanout) Inbox() []models.Notification {
	now := f.cfg.Clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Notification, 0, len(f.inbox))
	for id, n := range f.inbox {
		if n.Expired(now) {
			delete(f.inbox, id)
			continue
		}
		if !n.Read {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Watermark returns the creation time of the newest retained notification.
func (f *Fanout) Watermark() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var newest time.Time
	for _, n := range f.inbox {
		if n.CreatedAt.After(newest) {
			newest = n.CreatedAt
		}
	}
	return newest
}
