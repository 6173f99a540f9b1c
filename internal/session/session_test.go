package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/conn"
	"chat-sync/internal/conn/conntest"
	"chat-sync/internal/delivery"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
)

const waitFor = 2 * time.Second

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func startSession(t *testing.T, cfg Config) (*Session, *conntest.Dialer) {
	t.Helper()
	d := conntest.NewDialer()
	cfg.Identity = conn.Identity{UserID: "me", Role: models.RoleClient, DeviceID: "web", Token: "tok"}
	cfg.Conn = conn.Config{
		ReconnectMin:      5 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Millisecond
	}
	s := New(d, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, s.Connect(ctx))
	return s, d
}

func waitForUpdate(t *testing.T, s *Session, kind UpdateKind) Update {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case u := <-s.Updates():
			if u.Kind == kind {
				return u
			}
		case <-timeout:
			t.Fatalf("no %s update", kind)
			return Update{}
		}
	}
}

func serverMsg(id, sender string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Body:           "body " + id,
		Status:         models.StatusAcknowledged,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

func TestOfflineSendReconciledAfterReconnect(t *testing.T) {
	s, d := startSession(t, Config{})
	ctx := context.Background()

	d.SetErr(&protocol.TransientNetworkError{Op: "dial", Err: errors.New("offline")})
	d.Last().Close()
	require.Eventually(t, func() bool { return s.State() == conn.StateReconnecting }, waitFor, time.Millisecond)

	msg, err := s.Send(ctx, delivery.Draft{ConversationID: "c1", Body: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, 1, s.Buffered())

	d.SetErr(nil)
	require.Eventually(t, func() bool { return s.State() == conn.StateConnected }, waitFor, time.Millisecond)
	tr := d.Last()
	env, err := tr.NextEvent(protocol.EventMessageSend, waitFor)
	require.NoError(t, err)
	var send protocol.MessageSend
	require.NoError(t, protocol.DecodePayload(env, &send))
	assert.Equal(t, msg.ID, send.TempID)
	assert.Equal(t, "Hi", send.Body)

	ackAt := t0.Add(time.Minute)
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageAck, protocol.MessageAck{
		TempID: send.TempID, ServerID: "m42", ConversationID: "c1", Timestamp: ackAt,
	}))
	echo := serverMsg("m42", "me", ackAt)
	echo.TempID = send.TempID
	echo.Body = "Hi"
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageNew, echo))

	require.Eventually(t, func() bool {
		msgs := s.Conversation("c1")
		return len(msgs) == 1 && msgs[0].ID == "m42" && msgs[0].Status == models.StatusAcknowledged
	}, waitFor, time.Millisecond)
	_, ok := s.Message(send.TempID)
	assert.False(t, ok)
}

func TestPeerReadReceiptMarksBatch(t *testing.T) {
	s, d := startSession(t, Config{})
	tr := d.Last()

	for i, m := range []models.Message{
		serverMsg("m40", "me", t0),
		serverMsg("m41", "peer", t0.Add(time.Second)),
		serverMsg("m42", "me", t0.Add(2*time.Second)),
		serverMsg("m43", "me", t0.Add(3*time.Second)),
	} {
		require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageNew, m), i)
	}
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageRead, protocol.MessageRead{
		ConversationID: "c1", UpToMessageID: "m42", UserID: "peer", At: t0.Add(time.Minute),
	}))

	u := waitForUpdate(t, s, UpdateReceipt)
	require.Len(t, u.Messages, 2)

	statuses := map[string]models.Status{}
	for _, m := range s.Conversation("c1") {
		statuses[m.ID] = m.Status
	}
	assert.Equal(t, map[string]models.Status{
		"m40": models.StatusRead,
		"m41": models.StatusDelivered,
		"m42": models.StatusRead,
		"m43": models.StatusAcknowledged,
	}, statuses)
}

func TestPresenceFollowsLastDevice(t *testing.T) {
	s, d := startSession(t, Config{})
	tr := d.Last()

	deltas := []protocol.PresenceUpdate{
		{UserID: "a", Online: true, ConnectionID: "d1", State: protocol.PresenceConnect, At: t0},
		{UserID: "a", Online: true, ConnectionID: "d2", State: protocol.PresenceConnect, At: t0.Add(time.Second)},
		{UserID: "a", Online: true, ConnectionID: "d1", State: protocol.PresenceDisconnect, At: t0.Add(2 * time.Second)},
	}
	for _, u := range deltas {
		require.NoError(t, tr.Deliver(protocol.ChannelPresence, protocol.EventPresenceUpdate, u))
	}
	require.Eventually(t, func() bool {
		p := s.Presence("a")
		return p.Online && p.Connections == 1
	}, waitFor, time.Millisecond)

	last := t0.Add(3 * time.Second)
	require.NoError(t, tr.Deliver(protocol.ChannelPresence, protocol.EventPresenceUpdate, protocol.PresenceUpdate{
		UserID: "a", Online: false, LastSeen: last, ConnectionID: "d2", State: protocol.PresenceDisconnect, At: last,
	}))
	require.Eventually(t, func() bool { return !s.Presence("a").Online }, waitFor, time.Millisecond)
	assert.Equal(t, last, s.Presence("a").LastSeen)
}

func TestNotificationDeduplicatedAcrossResync(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.MatchedBy(func(n models.Notification) bool { return n.ID == "n1" })).Once()
	s, d := startSession(t, Config{Toasts: toasts})
	tr := d.Last()

	push := protocol.NotifyPush{ID: "n1", Type: models.NotificationInfo, Title: "Booked", Body: "9:00", TargetUserID: "me", CreatedAt: t0}
	require.NoError(t, tr.Deliver(protocol.ChannelNotification, protocol.EventNotifyPush, push))
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{
		Notifications: []protocol.NotifyPush{push},
		ServerTime:    t0,
	}))

	waitForUpdate(t, s, UpdateSync)
	require.Eventually(t, func() bool { return len(s.Inbox()) == 1 }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	toasts.AssertNumberOfCalls(t, "Show", 1)

	require.NoError(t, s.MarkNotificationRead(context.Background(), "n1"))
	require.NoError(t, s.MarkNotificationRead(context.Background(), "n1"))
	assert.Empty(t, s.Inbox())
}

func TestResyncReplayIsIdempotent(t *testing.T) {
	s, d := startSession(t, Config{})
	tr := d.Last()

	m1 := serverMsg("m1", "peer", t0)
	reaction := protocol.MessageReaction{MessageID: "m1", ConversationID: "c1", Emoji: "👍", UserID: "peer", Action: protocol.ReactionAdd, At: t0.Add(time.Second)}
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageNew, m1))
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageReaction, reaction))
	require.Eventually(t, func() bool {
		msgs := s.Conversation("c1")
		return len(msgs) == 1 && msgs[0].Reactions.Has("👍", "peer")
	}, waitFor, time.Millisecond)
	before := s.Conversation("c1")

	snapshot := m1
	snapshot.Reactions = models.Reactions{"👍": {"peer"}}
	snapshot.UpdatedAt = reaction.At
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{
		Messages:   []models.Message{snapshot},
		ServerTime: t0.Add(time.Minute),
	}))
	waitForUpdate(t, s, UpdateSync)
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageNew, m1))
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageReaction, reaction))
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{ServerTime: t0}))
	waitForUpdate(t, s, UpdateSync)

	after := s.Conversation("c1")
	require.Len(t, after, 1)
	assert.Equal(t, before[0].Reactions, after[0].Reactions)
	assert.Equal(t, before[0].Status, after[0].Status)
	assert.Equal(t, before[0].Body, after[0].Body)
}

func TestSyncRequestCarriesWatermarks(t *testing.T) {
	s, d := startSession(t, Config{})
	first := d.Last()
	_, err := first.NextEvent(protocol.EventSyncRequest, waitFor)
	require.NoError(t, err)

	require.NoError(t, first.Deliver(protocol.ChannelChat, protocol.EventMessageNew, serverMsg("m1", "peer", t0)))
	require.Eventually(t, func() bool { return len(s.Conversation("c1")) == 1 }, waitFor, time.Millisecond)

	first.Close()
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, time.Millisecond)
	env, err := d.Last().NextEvent(protocol.EventSyncRequest, waitFor)
	require.NoError(t, err)
	var req protocol.SyncRequest
	require.NoError(t, protocol.DecodePayload(env, &req))
	assert.True(t, req.Watermarks["c1"].Equal(t0))
	assert.True(t, req.Since.Equal(t0))
}

func TestAuthRejectionFailsInFlightMessages(t *testing.T) {
	s, d := startSession(t, Config{})
	tr := d.Last()

	msg, err := s.Send(context.Background(), delivery.Draft{ConversationID: "c1", Body: "Hi"})
	require.NoError(t, err)
	_, err = tr.NextEvent(protocol.EventMessageSend, waitFor)
	require.NoError(t, err)

	require.NoError(t, tr.Deliver(protocol.ChannelSession, protocol.EventRejected, protocol.Rejected{Reason: "expired"}))
	u := waitForUpdate(t, s, UpdateConnection)
	for u.State != conn.StateClosed {
		u = waitForUpdate(t, s, UpdateConnection)
	}
	assert.True(t, protocol.IsAuthExpired(u.Err))

	got, ok := s.Message(msg.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, protocol.IsAuthExpired(s.Failure(msg.ID)))
}

func TestAckTimeoutThenExplicitRetry(t *testing.T) {
	s, d := startSession(t, Config{AckTimeout: 30 * time.Millisecond})
	tr := d.Last()
	ctx := context.Background()

	msg, err := s.Send(ctx, delivery.Draft{ConversationID: "c1", Body: "Hi"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, _ := s.Message(msg.ID)
		return got.Status == models.StatusFailed
	}, waitFor, time.Millisecond)
	var timeoutErr *protocol.AckTimeoutError
	assert.True(t, errors.As(s.Failure(msg.ID), &timeoutErr))

	retried, err := s.Retry(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, retried.ID)

	var sends []string
	for len(sends) < 2 {
		env, err := tr.NextEvent(protocol.EventMessageSend, waitFor)
		require.NoError(t, err)
		var p protocol.MessageSend
		require.NoError(t, protocol.DecodePayload(env, &p))
		sends = append(sends, p.TempID)
	}
	assert.Equal(t, []string{msg.ID, retried.ID}, sends)

	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageAck, protocol.MessageAck{TempID: retried.ID, ServerID: "m1", Timestamp: t0}))
	require.Eventually(t, func() bool {
		msgs := s.Conversation("c1")
		return len(msgs) == 1 && msgs[0].ID == "m1"
	}, waitFor, time.Millisecond)
}

func TestPeerTypingExpires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s, d := startSession(t, Config{Clock: clock, TypingTTL: 5 * time.Second})

	require.NoError(t, d.Last().Deliver(protocol.ChannelPresence, protocol.EventTyping, protocol.Typing{
		UserID: "peer", ConversationID: "c1", Timestamp: t0,
	}))
	require.Eventually(t, func() bool { return len(s.TypingIn("c1")) == 1 }, waitFor, time.Millisecond)

	clock.Advance(5 * time.Second)
	assert.Empty(t, s.TypingIn("c1"))
}

func TestOutboundTypingIsCoalesced(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s, d := startSession(t, Config{Clock: clock, TypingTTL: 4 * time.Second})
	tr := d.Last()
	ctx := context.Background()

	require.NoError(t, s.Typing(ctx, "c1", false))
	require.NoError(t, s.Typing(ctx, "c1", false))
	clock.Advance(time.Second)
	require.NoError(t, s.Typing(ctx, "c1", false))
	require.NoError(t, s.Typing(ctx, "c1", true))

	first, err := tr.NextEvent(protocol.EventTyping, waitFor)
	require.NoError(t, err)
	second, err := tr.NextEvent(protocol.EventTyping, waitFor)
	require.NoError(t, err)

	var a, b protocol.Typing
	require.NoError(t, protocol.DecodePayload(first, &a))
	require.NoError(t, protocol.DecodePayload(second, &b))
	assert.False(t, a.Stopped)
	assert.True(t, b.Stopped)
	_, err = tr.NextEvent(protocol.EventTyping, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestRecipientSideMessageBecomesDelivered(t *testing.T) {
	s, d := startSession(t, Config{})
	s.SetFocus(true, "c1")
	require.NoError(t, d.Last().Deliver(protocol.ChannelChat, protocol.EventMessageNew, serverMsg("m1", "peer", t0)))

	u := waitForUpdate(t, s, UpdateMessage)
	assert.Equal(t, models.StatusDelivered, u.Message.Status)
	conv := s.Conversations()
	require.Len(t, conv, 1)
	assert.Equal(t, 1, conv[0].UnreadCount)

	require.NoError(t, s.MarkRead(context.Background(), "c1", "m1"))
	assert.Equal(t, 0, s.Conversations()[0].UnreadCount)
}

func TestResyncSettlesSendWhoseAckWasLost(t *testing.T) {
	s, d := startSession(t, Config{AckTimeout: 40 * time.Millisecond})
	tr := d.Last()
	ctx := context.Background()

	msg, err := s.Send(ctx, delivery.Draft{ConversationID: "c1", Body: "Hi"})
	require.NoError(t, err)
	_, err = tr.NextEvent(protocol.EventMessageSend, waitFor)
	require.NoError(t, err)

	stored := serverMsg("m42", "me", t0)
	stored.TempID = msg.ID
	stored.Body = "Hi"
	stored.Status = models.StatusComposing
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{
		Messages:   []models.Message{stored},
		ServerTime: t0.Add(time.Minute),
	}))
	u := waitForUpdate(t, s, UpdateSync)
	require.Len(t, u.Messages, 1)
	assert.Equal(t, "m42", u.Messages[0].ID)
	assert.Equal(t, models.StatusAcknowledged, u.Messages[0].Status)

	// outlive the ack timeout and collect what the sweeper reports
	deadline := time.After(150 * time.Millisecond)
collect:
	for {
		select {
		case u := <-s.Updates():
			if u.Kind == UpdateMessage {
				assert.NotEmpty(t, u.Message.ID, "no update for a message that no longer exists")
				assert.NotEqual(t, models.StatusFailed, u.Message.Status)
			}
		case <-deadline:
			break collect
		}
	}

	got, ok := s.Message("m42")
	require.True(t, ok)
	assert.Equal(t, models.StatusAcknowledged, got.Status)
	assert.Len(t, s.Conversation("c1"), 1)
	assert.Nil(t, s.Failure(msg.ID))
	_, err = s.Retry(ctx, msg.ID)
	assert.ErrorIs(t, err, delivery.ErrNotFailed)
	_, err = tr.NextEvent(protocol.EventMessageSend, 50*time.Millisecond)
	assert.Error(t, err, "the message is never sent twice")
}

func TestResyncFollowsCursorsToTheLastPage(t *testing.T) {
	s, d := startSession(t, Config{})
	tr := d.Last()
	_, err := tr.NextEvent(protocol.EventSyncRequest, waitFor)
	require.NoError(t, err)

	page := func(ids ...string) []models.Message {
		out := make([]models.Message, len(ids))
		for i, id := range ids {
			out[i] = serverMsg(id, "peer", t0.Add(time.Duration(i)*time.Second))
		}
		return out
	}
	cursor := protocol.SyncCursor{UpdatedAt: t0.Add(time.Second), MessageID: "m2"}
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{
		Messages:   page("m1", "m2"),
		More:       map[string]protocol.SyncCursor{"c1": cursor},
		ServerTime: t0.Add(time.Minute),
	}))

	env, err := tr.NextEvent(protocol.EventSyncRequest, waitFor)
	require.NoError(t, err)
	var next protocol.SyncRequest
	require.NoError(t, protocol.DecodePayload(env, &next))
	require.Contains(t, next.Cursors, "c1")
	assert.Equal(t, "m2", next.Cursors["c1"].MessageID)
	assert.True(t, next.Cursors["c1"].UpdatedAt.Equal(cursor.UpdatedAt))

	last := serverMsg("m3", "peer", t0.Add(5*time.Second))
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{
		Messages:   []models.Message{last},
		ServerTime: t0.Add(time.Minute),
	}))

	u := waitForUpdate(t, s, UpdateSync)
	assert.Len(t, u.Messages, 3, "one sync update once every page is applied")
	assert.Len(t, s.Conversation("c1"), 3)
}

func TestResyncAppliesNotificationsReadElsewhere(t *testing.T) {
	toasts := &mocks.ToastSinkMock{}
	toasts.On("Show", mock.Anything)
	s, d := startSession(t, Config{Toasts: toasts})
	tr := d.Last()

	for _, id := range []string{"n1", "n2"} {
		require.NoError(t, tr.Deliver(protocol.ChannelNotification, protocol.EventNotifyPush, protocol.NotifyPush{
			ID: id, Type: models.NotificationInfo, Title: "Booked", TargetUserID: "me", CreatedAt: t0,
		}))
	}
	require.Eventually(t, func() bool { return len(s.Inbox()) == 2 }, waitFor, time.Millisecond)

	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventSyncResponse, protocol.SyncResponse{
		NotificationReads: []protocol.NotifyRead{{NotificationID: "n1"}, {NotificationID: "n9"}},
		ServerTime:        t0.Add(time.Minute),
	}))
	waitForUpdate(t, s, UpdateSync)

	inbox := s.Inbox()
	require.Len(t, inbox, 1)
	assert.Equal(t, "n2", inbox[0].ID)

	require.NoError(t, tr.Deliver(protocol.ChannelNotification, protocol.EventNotifyPush, protocol.NotifyPush{
		ID: "n9", Type: models.NotificationInfo, Title: "Late", TargetUserID: "me", CreatedAt: t0,
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Inbox(), 1, "a notification read elsewhere never resurfaces")
}
