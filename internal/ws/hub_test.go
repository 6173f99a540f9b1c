package ws

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(userID, connID string, queue int) *Client {
	return newClient(nil, ConnInfo{ConnID: connID, UserID: userID}, queue)
}

func TestHubRegisterAndUnregister(t *testing.T) {
	start := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	hub := NewHub(clock)

	phone := testClient("u1", "phone", 1)
	laptop := testClient("u1", "laptop", 1)
	assert.Equal(t, 1, hub.Register(phone))
	assert.Equal(t, 2, hub.Register(laptop))
	assert.Equal(t, 1, hub.OnlineUsers())
	assert.True(t, hub.Presence("u1").Online)

	remaining, removed := hub.Unregister(phone)
	assert.True(t, removed)
	assert.Equal(t, 1, remaining)
	assert.True(t, hub.Presence("u1").Online, "still online while the laptop is connected")

	clock.Advance(time.Minute)
	remaining, removed = hub.Unregister(laptop)
	assert.True(t, removed)
	assert.Equal(t, 0, remaining)

	presence := hub.Presence("u1")
	assert.False(t, presence.Online)
	assert.Equal(t, start.Add(time.Minute), presence.LastSeen)
	assert.Equal(t, 0, hub.OnlineUsers())
}

func TestHubUnregisterTwiceIsHarmless(t *testing.T) {
	hub := NewHub(clockwork.NewFakeClockAt(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)))
	c := testClient("u1", "c1", 1)
	hub.Register(c)

	_, removed := hub.Unregister(c)
	require.True(t, removed)
	_, removed = hub.Unregister(c)
	assert.False(t, removed)
}

func TestHubDeliverSkipsExcept(t *testing.T) {
	hub := NewHub(clockwork.NewFakeClockAt(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)))
	origin := testClient("u1", "origin", 4)
	other := testClient("u1", "other", 4)
	hub.Register(origin)
	hub.Register(other)

	assert.Equal(t, 1, hub.Deliver("u1", []byte(`{}`), origin))
	assert.Len(t, origin.send, 0)
	assert.Len(t, other.send, 1)

	assert.Equal(t, 0, hub.Deliver("nobody", []byte(`{}`), nil))
}

func TestHubDeliverClosesFullQueue(t *testing.T) {
	hub := NewHub(clockwork.NewFakeClockAt(time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)))
	slow := testClient("u1", "slow", 1)
	hub.Register(slow)

	assert.Equal(t, 1, hub.Deliver("u1", []byte(`1`), nil))
	assert.Equal(t, 0, hub.Deliver("u1", []byte(`2`), nil))

	select {
	case <-slow.done:
	default:
		t.Fatal("expected the slow client to be closed")
	}
	assert.False(t, slow.enqueue([]byte(`3`)), "closed clients accept nothing")
}
