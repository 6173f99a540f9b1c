package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/protocol"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func connectDelta(userID, connID string, at time.Time) protocol.PresenceUpdate {
	return protocol.PresenceUpdate{UserID: userID, Online: true, ConnectionID: connID, State: protocol.PresenceConnect, At: at}
}

func disconnectDelta(userID, connID string, online bool, at time.Time) protocol.PresenceUpdate {
	u := protocol.PresenceUpdate{UserID: userID, Online: online, ConnectionID: connID, State: protocol.PresenceDisconnect, At: at}
	if !online {
		u.LastSeen = at
	}
	return u
}

func TestTwoDevicesStayOnlineUntilLastDisconnect(t *testing.T) {
	tr := NewTracker()
	tr.SetConnected(true)

	tr.Apply(connectDelta("a", "d1", t0))
	tr.Apply(connectDelta("a", "d2", t0.Add(time.Second)))
	assert.True(t, tr.Get("a").Online)
	assert.Equal(t, 2, tr.Get("a").Connections)

	tr.Apply(disconnectDelta("a", "d1", true, t0.Add(2*time.Second)))
	assert.True(t, tr.Get("a").Online, "second device is still live")

	last := t0.Add(3 * time.Second)
	tr.Apply(disconnectDelta("a", "d2", false, last))
	state := tr.Get("a")
	assert.False(t, state.Online)
	assert.Equal(t, last, state.LastSeen)
	assert.Equal(t, 0, state.Connections)
}

func TestReplayedEventsAreIdempotent(t *testing.T) {
	tr := NewTracker()
	events := []protocol.PresenceUpdate{
		connectDelta("a", "d1", t0),
		connectDelta("a", "d2", t0.Add(time.Second)),
		disconnectDelta("a", "d1", true, t0.Add(2*time.Second)),
	}
	for _, ev := range events {
		tr.Apply(ev)
	}
	for _, ev := range events {
		assert.False(t, tr.Apply(ev))
	}
	state := tr.Get("a")
	assert.True(t, state.Online)
	assert.Equal(t, 1, state.Connections)

	assert.True(t, tr.Apply(disconnectDelta("a", "d2", false, t0.Add(3*time.Second))))
	assert.False(t, tr.Apply(disconnectDelta("a", "d2", false, t0.Add(3*time.Second))))
	assert.Equal(t, 0, tr.Get("a").Connections)
}

func TestReorderedDisconnectBeforeConnectNeverGoesNegative(t *testing.T) {
	tr := NewTracker()
	tr.Apply(disconnectDelta("a", "d1", false, t0.Add(time.Second)))
	tr.Apply(connectDelta("a", "d1", t0))

	state := tr.Get("a")
	assert.False(t, state.Online)
	assert.Equal(t, 0, state.Connections)
}

func TestConcurrentInterleavingsConverge(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for _, id := range []string{"d1", "d2", "d3"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tr.Apply(connectDelta("a", id, t0))
			tr.Apply(disconnectDelta("a", id, true, t0.Add(time.Second)))
			tr.Apply(connectDelta("a", id, t0))
		}(id)
	}
	wg.Wait()
	tr.Apply(connectDelta("a", "d4", t0.Add(2*time.Second)))
	assert.True(t, tr.Get("a").Online)
	assert.Equal(t, 1, tr.Get("a").Connections)

	tr.Apply(disconnectDelta("a", "d4", false, t0.Add(3*time.Second)))
	assert.False(t, tr.Get("a").Online)
}

func TestSnapshotOrderingByTimestamp(t *testing.T) {
	tr := NewTracker()
	tr.Apply(protocol.PresenceUpdate{UserID: "b", Online: true, At: t0.Add(time.Minute)})
	tr.Apply(protocol.PresenceUpdate{UserID: "b", Online: false, LastSeen: t0, At: t0})
	assert.True(t, tr.Get("b").Online, "older snapshot must not override a newer one")

	seen := t0.Add(2 * time.Minute)
	tr.Apply(protocol.PresenceUpdate{UserID: "b", Online: false, LastSeen: seen, At: seen})
	assert.False(t, tr.Get("b").Online)
	assert.Equal(t, seen, tr.Get("b").LastSeen)
}

func TestSnapshotOnlineThenDisconnectOfUnknownConnection(t *testing.T) {
	tr := NewTracker()
	tr.Apply(protocol.PresenceUpdate{UserID: "b", Online: true, At: t0})
	tr.Apply(disconnectDelta("b", "x", false, t0.Add(time.Second)))
	assert.False(t, tr.Get("b").Online)
}

func TestStaleWhileDisconnected(t *testing.T) {
	tr := NewTracker()
	assert.True(t, tr.Get("a").Stale)

	tr.SetConnected(true)
	tr.Apply(connectDelta("a", "d1", t0))
	assert.False(t, tr.Get("a").Stale)

	states, cancel := tr.Subscribe("a")
	defer cancel()
	<-states

	tr.SetConnected(false)
	select {
	case s := <-states:
		assert.True(t, s.Stale)
		assert.True(t, s.Online)
	case <-time.After(time.Second):
		t.Fatal("no state published")
	}
}

func TestSubscribeKeepsOnlyLatest(t *testing.T) {
	tr := NewTracker()
	states, cancel := tr.Subscribe("a")
	defer cancel()

	initial := <-states
	assert.False(t, initial.Online)

	tr.Apply(connectDelta("a", "d1", t0))
	tr.Apply(connectDelta("a", "d2", t0))
	tr.Apply(disconnectDelta("a", "d1", true, t0.Add(time.Second)))

	latest := <-states
	assert.True(t, latest.Online)
	assert.Equal(t, 1, latest.Connections)
	select {
	case <-states:
		t.Fatal("subscriber should only hold the latest state")
	default:
	}
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	typing := NewTyping(clock, 5*time.Second)

	typing.Apply(protocol.Typing{UserID: "b", ConversationID: "c1", Timestamp: t0})
	require.Len(t, typing.Active("c1"), 1)
	assert.Empty(t, typing.Active("c2"))

	clock.Advance(3 * time.Second)
	typing.Apply(protocol.Typing{UserID: "b", ConversationID: "c1", Timestamp: clock.Now()})
	clock.Advance(3 * time.Second)
	assert.Len(t, typing.Active("c1"), 1, "refresh extends the indicator")

	clock.Advance(2 * time.Second)
	expired := typing.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, "b", expired[0].UserID)
	assert.Empty(t, typing.Active("c1"))
}

func TestTypingStoppedClearsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	typing := NewTyping(clock, 5*time.Second)

	typing.Apply(protocol.Typing{UserID: "b", ConversationID: "c1"})
	typing.Apply(protocol.Typing{UserID: "b", ConversationID: "c1", Stopped: true})
	assert.Empty(t, typing.Active("c1"))
	assert.Empty(t, typing.Expire())
}
