package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/notify"
	"chat-sync/internal/protocol"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *recordingSender) Send(_ protocol.Channel, event protocol.Event, _ interface{}) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return uint64(len(s.events)), nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func push(id string) protocol.NotifyPush {
	return protocol.NotifyPush{
		ID:           id,
		Type:         models.NotificationInfo,
		Title:        "Session booked",
		Body:         "Tomorrow 9:00",
		TargetUserID: "me",
		CreatedAt:    t0,
	}
}

func TestDuplicatePushRendersOnce(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.MatchedBy(func(n models.Notification) bool { return n.ID == "n1" })).Once()
	f := notify.New("me", toasts, nil, nil, notify.Config{Clock: clockwork.NewFakeClockAt(t0)})

	assert.Equal(t, notify.Render, f.OnEvent(push("n1")))
	assert.Equal(t, notify.Suppress, f.OnEvent(push("n1")), "replayed after resync")

	toasts.AssertExpectations(t)
	assert.Len(t, f.Inbox(), 1)
}

func TestPushForAnotherUserIsSuppressed(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	f := notify.New("me", toasts, nil, nil, notify.Config{})

	ev := push("n1")
	ev.TargetUserID = "someone-else"
	assert.Equal(t, notify.Suppress, f.OnEvent(ev))
	toasts.AssertNotCalled(t, "Show", mock.Anything)
}

func TestUnfocusedGoesToBackgroundPush(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	pusher := &mocks.PusherMock{}
	delivered := make(chan notify.PushJob, 1)
	pusher.On("Push", mock.Anything, mock.AnythingOfType("notify.PushJob")).
		Return(nil).
		Run(func(args mock.Arguments) { delivered <- args.Get(1).(notify.PushJob) })

	f := notify.New("me", toasts, pusher, nil, notify.Config{Icon: "/icon.png"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.SetFocus(false, "")
	assert.Equal(t, notify.Render, f.OnEvent(push("n1")))

	select {
	case job := <-delivered:
		assert.Equal(t, notify.PushJob{
			NotificationID: "n1",
			TargetUserID:   "me",
			Title:          "Session booked",
			Body:           "Tomorrow 9:00",
			Icon:           "/icon.png",
		}, job)
	case <-time.After(time.Second):
		t.Fatal("background push not delivered")
	}
	toasts.AssertNotCalled(t, "Show", mock.Anything)
}

func TestFailedBackgroundPushFallsBackToToast(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	shown := make(chan string, 1)
	toasts.On("Show", mock.Anything).Run(func(args mock.Arguments) {
		shown <- args.Get(0).(models.Notification).ID
	})
	pusher := &mocks.PusherMock{}
	pusher.On("Push", mock.Anything, mock.Anything).Return(errors.New("no subscription"))

	f := notify.New("me", toasts, pusher, nil, notify.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	f.SetFocus(false, "")
	f.OnEvent(push("n1"))

	select {
	case id := <-shown:
		assert.Equal(t, "n1", id)
	case <-time.After(time.Second):
		t.Fatal("fallback toast not shown")
	}
}

func TestExpiredNotificationsLeaveInbox(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.Anything)
	f := notify.New("me", toasts, nil, nil, notify.Config{TTL: time.Hour, Clock: clock})

	f.OnEvent(push("n1"))
	require.Len(t, f.Inbox(), 1)
	assert.Equal(t, t0, f.Watermark())

	clock.Advance(time.Hour)
	assert.Empty(t, f.Inbox())

	stale := push("n2")
	past := t0.Add(-time.Minute)
	stale.ExpiresAt = &past
	assert.Equal(t, notify.Suppress, f.OnEvent(stale))
}

func TestMarkReadIsIdempotent(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.Anything)
	sender := &recordingSender{}
	f := notify.New("me", toasts, nil, sender, notify.Config{})

	f.OnEvent(push("n1"))
	require.NoError(t, f.MarkRead("n1"))
	require.NoError(t, f.MarkRead("n1"))
	assert.Equal(t, 1, sender.count())
	assert.Empty(t, f.Inbox())

	assert.ErrorIs(t, f.MarkRead("missing"), notify.ErrNotificationNotFound)
}

func TestReadOnAnotherDevice(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.Anything).Once()
	f := notify.New("me", toasts, nil, nil, notify.Config{})

	f.OnEvent(push("n1"))
	assert.True(t, f.ApplyRead(protocol.NotifyRead{NotificationID: "n1"}))
	assert.False(t, f.ApplyRead(protocol.NotifyRead{NotificationID: "n1"}))
	assert.Empty(t, f.Inbox())

	assert.False(t, f.ApplyRead(protocol.NotifyRead{NotificationID: "n2"}))
	assert.Equal(t, notify.Suppress, f.OnEvent(push("n2")), "already read elsewhere")
	toasts.AssertExpectations(t)
}

func TestNewMessageAlerts(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.MatchedBy(func(n models.Notification) bool {
		return n.ID == "message:m2" && n.Body == "see you at 9"
	})).Once()
	f := notify.New("me", toasts, nil, nil, notify.Config{})
	f.SetFocus(true, "c1")

	own := models.Message{ID: "m0", ConversationID: "c2", SenderID: "me", Body: "hi"}
	assert.Equal(t, notify.Suppress, f.OnMessage(own))

	open := models.Message{ID: "m1", ConversationID: "c1", SenderID: "coach", Body: "hello"}
	assert.Equal(t, notify.Suppress, f.OnMessage(open))

	other := models.Message{ID: "m2", ConversationID: "c2", SenderID: "coach", Body: "see you at 9"}
	assert.Equal(t, notify.Render, f.OnMessage(other))
	assert.Equal(t, notify.Suppress, f.OnMessage(other))

	toasts.AssertExpectations(t)
}
