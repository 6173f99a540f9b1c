// Package presence derives per-user online state from server-pushed
// presence deltas and tracks ephemeral typing indicators.
package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
)

type user struct {
	// conns holds live connection ids reported by connect deltas.
	conns map[string]struct{}
	// closed remembers disconnected ids so a replayed or reordered connect
	// cannot resurrect them.
	closed map[string]struct{}
	// baseline is the online flag of the newest snapshot.
	baseline bool
	lastSeen time.Time
	at       time.Time
	subs     map[int]chan models.PresenceState
}

func (u *user) online() bool {
	return len(u.conns) > 0 || u.baseline
}

// Tracker is the single writer of presence state on the client.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*user
	stale bool
	next  int
}

// NewTracker returns an empty tracker. State is stale until the first
// snapshot or SetConnected(true).
func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*user), stale: true}
}

func (t *Tracker) get(userID string) *user {
	u, ok := t.users[userID]
	if !ok {
		u = &user{
			conns:  make(map[string]struct{}),
			closed: make(map[string]struct{}),
			subs:   make(map[int]chan models.PresenceState),
		}
		t.users[userID] = u
	}
	return u
}

func (t *Tracker) stateOf(userID string, u *user) models.PresenceState {
	return models.PresenceState{
		UserID:      userID,
		Online:      u.online(),
		LastSeen:    u.lastSeen,
		Connections: len(u.conns),
		Stale:       t.stale,
	}
}

// Apply merges one presence:update. Deltas carry a connection id and a
// connect/disconnect state; anything else is a snapshot. Re-applying an
// update is a no-op. Apply reports whether the visible state changed.
func (t *Tracker) Apply(update protocol.PresenceUpdate) bool {
	if update.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	u := t.get(update.UserID)
	before := t.stateOf(update.UserID, u)

	if update.ConnectionID != "" && update.State != "" {
		t.applyDelta(u, update)
	} else {
		t.applySnapshot(u, update)
	}

	after := t.stateOf(update.UserID, u)
	if after == before {
		return false
	}
	t.publish(u, after)
	return true
}

func (t *Tracker) applyDelta(u *user, update protocol.PresenceUpdate) {
	id := update.ConnectionID
	switch update.State {
	case protocol.PresenceConnect:
		if _, gone := u.closed[id]; gone {
			return
		}
		u.conns[id] = struct{}{}
	case protocol.PresenceDisconnect:
		_, live := u.conns[id]
		delete(u.conns, id)
		u.closed[id] = struct{}{}
		if !live && !u.baseline {
			return
		}
		if len(u.conns) == 0 {
			if !update.Online {
				u.baseline = false
			}
			if seen := lastSeenOf(update); seen.After(u.lastSeen) {
				u.lastSeen = seen
			}
		}
	}
	if update.At.After(u.at) {
		u.at = update.At
	}
}

func (t *Tracker) applySnapshot(u *user, update protocol.PresenceUpdate) {
	if !update.At.IsZero() && update.At.Before(u.at) {
		return
	}
	u.baseline = update.Online
	if !update.Online {
		for id := range u.conns {
			u.closed[id] = struct{}{}
		}
		u.conns = make(map[string]struct{})
	}
	if update.LastSeen.After(u.lastSeen) {
		u.lastSeen = update.LastSeen
	}
	if update.At.After(u.at) {
		u.at = update.At
	}
}

func lastSeenOf(update protocol.PresenceUpdate) time.Time {
	if !update.LastSeen.IsZero() {
		return update.LastSeen
	}
	return update.At
}

// SetConnected marks every known state stale while the local connection
// is down; deltas missed meanwhile are recovered by the next snapshot.
func (t *Tracker) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stale == !connected {
		return
	}
	t.stale = !connected
	for id, u := range t.users {
		t.publish(u, t.stateOf(id, u))
	}
}

// Get returns the current state of userID.
func (t *Tracker) Get(userID string) models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		return models.PresenceState{UserID: userID, Stale: t.stale}
	}
	return t.stateOf(userID, u)
}

// Snapshot returns the state of every known user.
func (t *Tracker) Snapshot() []models.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.PresenceState, 0, len(t.users))
	for id, u := range t.users {
		out = append(out, t.stateOf(id, u))
	}
	return out
}

// Subscribe returns a channel carrying the latest state of userID,
// starting with the current one.
func (t *Tracker) Subscribe(userID string) (<-chan models.PresenceState, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.get(userID)
	id := t.next
	t.next++
	ch := make(chan models.PresenceState, 1)
	ch <- t.stateOf(userID, u)
	u.subs[id] = ch
	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(u.subs, id)
	}
}

func (t *Tracker) publish(u *user, s models.PresenceState) {
	for _, ch := range u.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

type typingKey struct {
	userID         string
	conversationID string
}

// Typing tracks remote typing indicators, expiring each one ttl after its
// last refresh.
type Typing struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	ttl    time.Duration
	active map[typingKey]models.TypingIndicator
	expiry map[typingKey]time.Time
}

// NewTyping returns a typing tracker.
func NewTyping(clock clockwork.Clock, ttl time.Duration) *Typing {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Typing{
		clock:  clock,
		ttl:    ttl,
		active: make(map[typingKey]models.TypingIndicator),
		expiry: make(map[typingKey]time.Time),
	}
}

// TTL returns the expiry window.
func (t *Typing) TTL() time.Duration {
	return t.ttl
}

// Apply records or clears an indicator. Expiry is measured on the local
// clock from receipt, not from the sender's timestamp.
func (t *Typing) Apply(ev protocol.Typing) {
	key := typingKey{ev.UserID, ev.ConversationID}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.Stopped {
		delete(t.active, key)
		delete(t.expiry, key)
		return
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = t.clock.Now()
	}
	t.active[key] = models.TypingIndicator{UserID: ev.UserID, ConversationID: ev.ConversationID, At: at}
	t.expiry[key] = t.clock.Now().Add(t.ttl)
}

// Active returns unexpired indicators for a conversation.
func (t *Typing) Active(conversationID string) []models.TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	var out []models.TypingIndicator
	for key, ind := range t.active {
		if key.conversationID == conversationID {
			out = append(out, ind)
		}
	}
	return out
}

// Expire drops indicators past their ttl and returns them.
func (t *Typing) Expire() []models.TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked()
}

func (t *Typing) pruneLocked() []models.TypingIndicator {
	now := t.clock.Now()
	var expired []models.TypingIndicator
	for key, at := range t.expiry {
		if !now.Before(at) {
			expired = append(expired, t.active[key])
			delete(t.active, key)
			delete(t.expiry, key)
		}
	}
	return expired
}
