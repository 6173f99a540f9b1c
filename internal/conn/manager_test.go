package conn_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/conn"
	"chat-sync/internal/conn/conntest"
	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
)

const waitFor = 2 * time.Second

func fastConfig() conn.Config {
	return conn.Config{
		ReconnectMin:      5 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
	}
}

func testIdentity() conn.Identity {
	return conn.Identity{UserID: "u1", Role: models.RoleClient, DeviceID: "phone", Token: "tok"}
}

func connect(t *testing.T, d conn.Dialer, cfg conn.Config) *conn.Manager {
	t.Helper()
	m := conn.NewManager(d, cfg)
	t.Cleanup(m.Close)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Connect(ctx, testIdentity()))
	return m
}

type syncRecorder struct {
	mu      sync.Mutex
	reasons []conn.SyncReason
}

func (r *syncRecorder) record(reason conn.SyncReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *syncRecorder) has(reason conn.SyncReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.reasons {
		if got == reason {
			return true
		}
	}
	return false
}

func sendPayload(t *testing.T, env protocol.Envelope) protocol.MessageSend {
	t.Helper()
	var p protocol.MessageSend
	require.NoError(t, protocol.DecodePayload(env, &p))
	return p
}

func TestConnectCompletesHandshake(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())

	assert.Equal(t, conn.StateConnected, m.State())
	assert.Equal(t, "conn-1", m.Welcome().ConnectionID)
	assert.Equal(t, "u1", m.Welcome().UserID)
	require.Len(t, d.Identities(), 1)
	assert.Equal(t, "tok", d.Identities()[0].Token)

	since, ok := m.ConnectedSince()
	assert.True(t, ok)
	assert.False(t, since.IsZero())
}

func TestConnectRejectedCredentialIsTerminal(t *testing.T) {
	d := conntest.NewDialer()
	d.RejectWith("token expired")
	m := conn.NewManager(d, fastConfig())
	defer m.Close()

	err := m.Connect(context.Background(), testIdentity())
	require.Error(t, err)
	assert.True(t, protocol.IsAuthExpired(err))

	require.Eventually(t, func() bool { return m.State() == conn.StateClosed }, waitFor, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials(), "a rejected credential must not be retried")

	_, err = m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t1"})
	assert.True(t, protocol.IsAuthExpired(err))
}

func TestDialUnauthorizedIsTerminal(t *testing.T) {
	d := conntest.NewDialer()
	d.SetErr(&protocol.AuthExpiredError{Reason: "401 Unauthorized"})
	m := conn.NewManager(d, fastConfig())
	defer m.Close()

	err := m.Connect(context.Background(), testIdentity())
	assert.True(t, protocol.IsAuthExpired(err))
	require.Eventually(t, func() bool { return m.State() == conn.StateClosed }, waitFor, time.Millisecond)
	assert.True(t, protocol.IsAuthExpired(m.Err()))
}

func TestConnectTransientFailureKeepsRetrying(t *testing.T) {
	d := conntest.NewDialer()
	d.SetErr(&protocol.TransientNetworkError{Op: "dial", Err: errors.New("connection refused")})
	m := conn.NewManager(d, fastConfig())
	defer m.Close()

	err := m.Connect(context.Background(), testIdentity())
	require.Error(t, err)
	assert.True(t, protocol.IsTransient(err))

	_, err = m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t1", ConversationID: "c1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.Dials() >= 3 }, waitFor, time.Millisecond)
	d.SetErr(nil)
	require.Eventually(t, func() bool { return m.State() == conn.StateConnected }, waitFor, time.Millisecond)

	env, err := d.Last().NextEvent(protocol.EventMessageSend, waitFor)
	require.NoError(t, err)
	assert.Equal(t, "t1", sendPayload(t, env).TempID)
}

func TestSendBuffersWhileReconnectingAndFlushesInOrder(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())
	rec := &syncRecorder{}
	m.OnSync(rec.record)

	d.SetErr(&protocol.TransientNetworkError{Op: "dial", Err: errors.New("offline")})
	d.Last().Close()
	require.Eventually(t, func() bool { return m.State() == conn.StateReconnecting }, waitFor, time.Millisecond)

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: id, ConversationID: "c1"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Buffered())

	d.SetErr(nil)
	require.Eventually(t, func() bool { return m.State() == conn.StateConnected }, waitFor, time.Millisecond)

	second := d.Last()
	for _, want := range []string{"t1", "t2", "t3"} {
		env, err := second.Next(waitFor)
		require.NoError(t, err)
		assert.Equal(t, want, sendPayload(t, env).TempID)
	}
	assert.Equal(t, 0, m.Buffered())
	assert.True(t, rec.has(conn.SyncReconnect))
}

func TestSendRejectsNewFramesWhenBufferFull(t *testing.T) {
	d := conntest.NewDialer()
	d.SetErr(&protocol.TransientNetworkError{Op: "dial", Err: errors.New("offline")})
	cfg := fastConfig()
	cfg.OutboundBuffer = 2
	m := conn.NewManager(d, cfg)
	defer m.Close()
	_ = m.Connect(context.Background(), testIdentity())

	first, err := m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t1"})
	require.NoError(t, err)
	_, err = m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t2"})
	require.NoError(t, err)

	_, err = m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t3"})
	assert.ErrorIs(t, err, conn.ErrBufferFull)

	assert.True(t, m.Withdraw(first))
	assert.False(t, m.Withdraw(first))
	_, err = m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t3"})
	assert.NoError(t, err)
}

func TestVolatileEventsAreNotBufferedOffline(t *testing.T) {
	d := conntest.NewDialer()
	d.SetErr(&protocol.TransientNetworkError{Op: "dial", Err: errors.New("offline")})
	m := conn.NewManager(d, fastConfig())
	defer m.Close()
	_ = m.Connect(context.Background(), testIdentity())

	_, err := m.Send(protocol.ChannelPresence, protocol.EventTyping, protocol.Typing{ConversationID: "c1"})
	assert.ErrorIs(t, err, conn.ErrNotConnected)
	assert.Equal(t, 0, m.Buffered())
}

func TestSendBeforeConnectFails(t *testing.T) {
	m := conn.NewManager(conntest.NewDialer(), fastConfig())
	defer m.Close()

	_, err := m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t1"})
	assert.ErrorIs(t, err, conn.ErrClosed)
}

func TestChannelsDispatchIndependently(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())

	release := make(chan struct{})
	defer close(release)
	m.On(protocol.ChannelNotification, protocol.EventNotifyPush, func(protocol.Envelope) error {
		<-release
		return nil
	})
	got := make(chan string, 1)
	m.On(protocol.ChannelChat, protocol.EventMessageNew, func(env protocol.Envelope) error {
		var msg models.Message
		if err := protocol.DecodePayload(env, &msg); err != nil {
			return err
		}
		got <- msg.ID
		return nil
	})

	tr := d.Last()
	require.NoError(t, tr.Deliver(protocol.ChannelNotification, protocol.EventNotifyPush, protocol.NotifyPush{ID: "n1"}))
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageNew, models.Message{ID: "m1"}))

	select {
	case id := <-got:
		assert.Equal(t, "m1", id)
	case <-time.After(waitFor):
		t.Fatal("chat event was blocked by a slow notification handler")
	}
}

func TestChannelQueueOverflowRequestsResync(t *testing.T) {
	d := conntest.NewDialer()
	cfg := fastConfig()
	cfg.ChannelQueue = 1
	m := connect(t, d, cfg)
	rec := &syncRecorder{}
	m.OnSync(rec.record)

	release := make(chan struct{})
	defer close(release)
	m.On(protocol.ChannelNotification, protocol.EventNotifyPush, func(protocol.Envelope) error {
		<-release
		return nil
	})

	tr := d.Last()
	for _, id := range []string{"n1", "n2", "n3"} {
		require.NoError(t, tr.Deliver(protocol.ChannelNotification, protocol.EventNotifyPush, protocol.NotifyPush{ID: id}))
	}
	require.Eventually(t, func() bool { return rec.has(conn.SyncOverflow) }, waitFor, time.Millisecond)
	assert.Equal(t, conn.StateConnected, m.State())
}

func TestUnsubscribedHandlerStopsReceiving(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())

	var mu sync.Mutex
	calls := 0
	unsubscribe := m.On(protocol.ChannelChat, protocol.EventMessageDelete, func(protocol.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	second := make(chan struct{}, 4)
	m.On(protocol.ChannelChat, protocol.EventMessageDelete, func(protocol.Envelope) error {
		second <- struct{}{}
		return nil
	})

	tr := d.Last()
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageDelete, protocol.MessageDelete{MessageID: "m1"}))
	<-second
	unsubscribe()
	require.NoError(t, tr.Deliver(protocol.ChannelChat, protocol.EventMessageDelete, protocol.MessageDelete{MessageID: "m2"}))
	<-second

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestProtocolErrorsCloseTransportPastThreshold(t *testing.T) {
	d := conntest.NewDialer()
	cfg := fastConfig()
	cfg.ProtocolErrorThreshold = 2
	m := connect(t, d, cfg)

	first := d.Last()
	first.DeliverRaw([]byte("not json"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, first.IsClosed(), "a single malformed frame must not drop the connection")

	first.DeliverRaw([]byte(`{"channel":"chat"}`))
	require.Eventually(t, first.IsClosed, waitFor, time.Millisecond)
	require.Eventually(t, func() bool {
		return d.Dials() == 2 && m.State() == conn.StateConnected
	}, waitFor, time.Millisecond)
}

func TestHandlerProtocolErrorCountsTowardThreshold(t *testing.T) {
	d := conntest.NewDialer()
	cfg := fastConfig()
	cfg.ProtocolErrorThreshold = 1
	m := connect(t, d, cfg)
	m.On(protocol.ChannelChat, protocol.EventMessageAck, func(env protocol.Envelope) error {
		return &protocol.ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "bad ack"}
	})

	first := d.Last()
	require.NoError(t, first.Deliver(protocol.ChannelChat, protocol.EventMessageAck, protocol.MessageAck{}))
	require.Eventually(t, first.IsClosed, waitFor, time.Millisecond)
}

func TestHeartbeatPingsThenTimesOut(t *testing.T) {
	d := conntest.NewDialer()
	cfg := fastConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	connect(t, d, cfg)

	first := d.Last()
	_, err := first.NextEvent(protocol.EventPing, waitFor)
	require.NoError(t, err)
	require.Eventually(t, first.IsClosed, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return d.Dials() >= 2 }, waitFor, time.Millisecond)
}

func TestServerPingIsAnswered(t *testing.T) {
	d := conntest.NewDialer()
	connect(t, d, fastConfig())

	tr := d.Last()
	require.NoError(t, tr.Deliver(protocol.ChannelSystem, protocol.EventPing, protocol.Heartbeat{At: time.Now()}))
	_, err := tr.NextEvent(protocol.EventPong, waitFor)
	assert.NoError(t, err)
}

func TestRotateCredentialAnnouncesAndReconnectsWithNewToken(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())

	require.NoError(t, m.RotateCredential("tok-2"))
	first := d.Last()
	env, err := first.NextEvent(protocol.EventRefresh, waitFor)
	require.NoError(t, err)
	var refresh protocol.Refresh
	require.NoError(t, protocol.DecodePayload(env, &refresh))
	assert.Equal(t, "tok-2", refresh.Token)

	first.Close()
	require.Eventually(t, func() bool { return d.Dials() == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, "tok-2", d.Identities()[1].Token)
}

func TestServerRejectionMidSessionIsTerminal(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())

	require.NoError(t, d.Last().Deliver(protocol.ChannelSession, protocol.EventRejected, protocol.Rejected{Reason: "revoked"}))
	require.Eventually(t, func() bool { return m.State() == conn.StateClosed }, waitFor, time.Millisecond)
	assert.True(t, protocol.IsAuthExpired(m.Err()))
}

func TestDisconnectDiscardsBufferAndAllowsReconnect(t *testing.T) {
	d := conntest.NewDialer()
	m := connect(t, d, fastConfig())

	d.SetErr(&protocol.TransientNetworkError{Op: "dial", Err: errors.New("offline")})
	d.Last().Close()
	require.Eventually(t, func() bool { return m.State() == conn.StateReconnecting }, waitFor, time.Millisecond)
	_, err := m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t1"})
	require.NoError(t, err)

	m.Disconnect()
	assert.Equal(t, conn.StateClosed, m.State())
	assert.Equal(t, 0, m.Buffered())
	_, err = m.Send(protocol.ChannelChat, protocol.EventMessageSend, protocol.MessageSend{TempID: "t2"})
	assert.ErrorIs(t, err, conn.ErrClosed)

	d.SetErr(nil)
	require.NoError(t, m.Connect(context.Background(), testIdentity()))
	assert.Equal(t, conn.StateConnected, m.State())
}

func TestSubscribeReportsLatestState(t *testing.T) {
	d := conntest.NewDialer()
	m := conn.NewManager(d, fastConfig())
	defer m.Close()

	states, cancel := m.Subscribe()
	defer cancel()
	assert.Equal(t, conn.StateIdle, <-states)

	require.NoError(t, m.Connect(context.Background(), testIdentity()))
	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s == conn.StateConnected
		default:
			return false
		}
	}, waitFor, time.Millisecond)
}

func TestWebsocketDialerHandshake(t *testing.T) {
	upgrader := websocket.Upgrader{}
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		headers <- r.Header.Clone()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		welcome, _ := json.Marshal(map[string]interface{}{
			"channel": "session",
			"event":   "session:welcome",
			"payload": map[string]string{"userId": "u1", "connectionId": "ws-1"},
		})
		_ = ws.WriteMessage(websocket.TextMessage, welcome)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	m := conn.NewManager(conn.NewWebsocketDialer(url, time.Second), fastConfig())
	defer m.Close()
	require.NoError(t, m.Connect(context.Background(), testIdentity()))
	assert.Equal(t, "ws-1", m.Welcome().ConnectionID)

	h := <-headers
	assert.Equal(t, "client", h.Get("X-Client-Role"))
	assert.Equal(t, "phone", h.Get("X-Device-Id"))

	bad := testIdentity()
	bad.Token = "wrong"
	_, err := conn.NewWebsocketDialer(url, time.Second).Dial(context.Background(), bad)
	assert.True(t, protocol.IsAuthExpired(err))

	srv.Close()
	_, err = conn.NewWebsocketDialer(url, time.Second).Dial(context.Background(), testIdentity())
	assert.True(t, protocol.IsTransient(err))
}
