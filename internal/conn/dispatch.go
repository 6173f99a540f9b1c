package conn

import (
	"errors"

	"chat-sync/internal/observability"
	"chat-sync/internal/protocol"
)

// Handler consumes one inbound event. Returning a *protocol.ProtocolError
// counts toward the teardown threshold; protocol.ErrDuplicateEvent is
// discarded silently.
type Handler func(env protocol.Envelope) error

type handlerKey struct {
	channel protocol.Channel
	event   protocol.Event
}

type handlerEntry struct {
	fn Handler
}

// dispatcher serializes one channel's events on its own goroutine so a
// slow consumer on one channel never delays another.
type dispatcher struct {
	channel protocol.Channel
	queue   chan protocol.Envelope
	done    chan struct{}
}

func (m *Manager) startDispatcher(channel protocol.Channel) *dispatcher {
	d := &dispatcher{
		channel: channel,
		queue:   make(chan protocol.Envelope, m.cfg.ChannelQueue),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for env := range d.queue {
			m.deliver(env)
		}
	}()
	return d
}

// route hands env to its channel's dispatcher. A full queue drops the event
// and asks for a resync to recover it.
func (m *Manager) route(env protocol.Envelope) {
	m.hmu.Lock()
	d, ok := m.dispatchers[env.Channel]
	if !ok {
		d = m.startDispatcher(env.Channel)
		m.dispatchers[env.Channel] = d
	}
	m.hmu.Unlock()

	select {
	case d.queue <- env:
	default:
		observability.IncChannelDrop(string(env.Channel))
		m.logger.Printf("channel queue full, dropping event channel=%s event=%s", env.Channel, env.Event)
		m.fireSync(SyncOverflow)
	}
}

func (m *Manager) deliver(env protocol.Envelope) {
	m.hmu.RLock()
	entries := append([]*handlerEntry(nil), m.handlers[handlerKey{env.Channel, env.Event}]...)
	m.hmu.RUnlock()

	if len(entries) == 0 {
		m.protocolError(&protocol.ProtocolError{Channel: env.Channel, Event: env.Event, Reason: "unexpected event"})
		return
	}
	for _, e := range entries {
		err := e.fn(env)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrDuplicateEvent):
			observability.IncDuplicateDiscarded(string(env.Event))
		case protocol.IsProtocol(err):
			m.protocolError(err)
		default:
			m.logger.Printf("handler error channel=%s event=%s err=%v", env.Channel, env.Event, err)
		}
	}
}

// On registers handler for (channel, event). Multiple handlers run in
// registration order. The returned func unregisters it.
func (m *Manager) On(channel protocol.Channel, event protocol.Event, handler Handler) func() {
	entry := &handlerEntry{fn: handler}
	key := handlerKey{channel, event}
	m.hmu.Lock()
	m.handlers[key] = append(m.handlers[key], entry)
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		defer m.hmu.Unlock()
		list := m.handlers[key]
		for i, e := range list {
			if e == entry {
				m.handlers[key] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// OnSync registers a hook run whenever the client must reconcile state
// with the server. Hooks run on the connection goroutine and must not block.
func (m *Manager) OnSync(hook func(SyncReason)) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.syncHooks = append(m.syncHooks, hook)
}

func (m *Manager) fireSync(reason SyncReason) {
	m.hmu.RLock()
	hooks := make([]func(SyncReason), len(m.syncHooks))
	copy(hooks, m.syncHooks)
	m.hmu.RUnlock()
	for _, h := range hooks {
		h(reason)
	}
}
