package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"chat-sync/internal/protocol"
)

// Client is one live websocket connection. Frames are queued and written
// by a single writer goroutine.
type Client struct {
	info ConnInfo
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn, info ConnInfo, queue int) *Client {
	return &Client{
		info: info,
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
}

func (c *Client) Info() ConnInfo {
	return c.info
}

// enqueue reports whether the frame was accepted for writing.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) write(frame []byte, timeout time.Duration) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// writeLoop drains the queue until the client is closed, then flushes what
// is left and closes the socket.
func (c *Client) writeLoop(timeout time.Duration) {
	defer c.conn.Close()
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame, timeout); err != nil {
				log.Printf("websocket write error conn_id=%s user_id=%s err=%v", c.info.ConnID, c.info.UserID, err)
				c.close()
				return
			}
		case <-c.done:
			for {
				select {
				case frame := <-c.send:
					if err := c.write(frame, timeout); err != nil {
						return
					}
				default:
					_ = c.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(timeout))
					return
				}
			}
		}
	}
}

// Hub tracks every live connection per user. A user is online while at
// least one of their connections is registered.
type Hub struct {
	users    map[string]map[*Client]struct{}
	lastSeen map[string]time.Time
	clock    clockwork.Clock
	mu       sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(clock clockwork.Clock) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		users:    make(map[string]map[*Client]struct{}),
		lastSeen: make(map[string]time.Time),
		clock:    clock,
	}
}

// Register adds a connection and returns the user's connection count.
func (h *Hub) Register(c *Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[c.info.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[c.info.UserID] = conns
	}
	conns[c] = struct{}{}
	return len(conns)
}

// Unregister removes a connection. removed is false when it was not
// registered, which makes repeated calls harmless.
func (h *Hub) Unregister(c *Client) (remaining int, removed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.users[c.info.UserID]
	if !ok {
		return 0, false
	}
	if _, ok := conns[c]; !ok {
		return len(conns), false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.users, c.info.UserID)
		h.lastSeen[c.info.UserID] = h.clock.Now()
	}
	return len(conns), true
}

// Presence returns a snapshot of a user's presence.
func (h *Hub) Presence(userID string) protocol.PresenceUpdate {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return protocol.PresenceUpdate{
		UserID:   userID,
		Online:   len(h.users[userID]) > 0,
		LastSeen: h.lastSeen[userID],
		At:       h.clock.Now(),
	}
}

// Connections returns how many live connections a user has.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// OnlineUsers returns how many users have at least one connection.
func (h *Hub) OnlineUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Deliver queues frame on every connection of userID except `except` and
// returns how many accepted it. A connection whose queue is full is
// closed; its client resyncs after reconnecting.
func (h *Hub) Deliver(userID string, frame []byte, except *Client) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.users[userID]))
	for c := range h.users[userID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	accepted := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			accepted++
			continue
		}
		log.Printf("websocket send queue full, closing conn_id=%s user_id=%s", c.info.ConnID, c.info.UserID)
		c.close()
		publishLifecycle(context.Background(), c.info, "ws_error", "send queue full", h.clock.Now())
	}
	return accepted
}
