package conn

import "sync"

// State is the connection state observed by the presence tracker and UI.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateClosed follows Disconnect or a rejected credential.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// stateBroadcaster fans state changes out with latest-value semantics so a
// slow subscriber never blocks the connection loop.
type stateBroadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan State
}

func newStateBroadcaster() *stateBroadcaster {
	return &stateBroadcaster{subs: make(map[int]chan State)}
}

func (b *stateBroadcaster) subscribe(current State) (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan State, 1)
	ch <- current
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *stateBroadcaster) publish(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		offerLatest(ch, s)
	}
}

func offerLatest(ch chan State, s State) {
	select {
	case ch <- s:
		return
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
