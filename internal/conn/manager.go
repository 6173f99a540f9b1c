// Package conn owns the client's single logical connection to the relay:
// dialing and handshake, reconnect with backoff, heartbeats, the bounded
// outbound buffer and per-channel dispatch of inbound events.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"chat-sync/internal/observability"
	"chat-sync/internal/protocol"
)

var (
	// ErrClosed is returned once the manager is not running.
	ErrClosed = errors.New("connection closed")
	// ErrNotConnected is returned for volatile sends while offline.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("connection already started")

	errHandshakeTimeout = errors.New("handshake timed out")
	errHeartbeatTimeout = errors.New("no traffic within heartbeat timeout")
)

const (
	inboundChanSize = 64
	jitterDivisor   = 2
)

// SyncReason says why a resync was requested.
type SyncReason int

const (
	SyncInitial SyncReason = iota
	SyncReconnect
	// SyncOverflow follows an inbound event dropped on a full channel queue.
	SyncOverflow
)

func (r SyncReason) String() string {
	switch r {
	case SyncInitial:
		return "initial"
	case SyncReconnect:
		return "reconnect"
	case SyncOverflow:
		return "overflow"
	}
	return "unknown"
}

// Config tunes the manager. Zero fields take the defaults below.
type Config struct {
	ReconnectMin           time.Duration
	ReconnectMax           time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	HandshakeTimeout       time.Duration
	WriteTimeout           time.Duration
	OutboundBuffer         int
	ChannelQueue           int
	ProtocolErrorThreshold int
	Clock                  clockwork.Clock
	Logger                 *log.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = c.ReconnectMin
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 256
	}
	if c.ChannelQueue <= 0 {
		c.ChannelQueue = 256
	}
	if c.ProtocolErrorThreshold <= 0 {
		c.ProtocolErrorThreshold = 5
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Manager maintains one logical connection across any number of physical
// transports.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock
	logger *log.Logger
	states *stateBroadcaster
	wake   chan struct{}

	mu            sync.Mutex
	identity      Identity
	state         State
	transport     Transport
	welcome       protocol.Welcome
	box           outbox
	connectedAt   time.Time
	everConnected bool
	protoErrs     int
	terminalErr   error
	cancel        context.CancelFunc
	done          chan struct{}

	hmu         sync.RWMutex
	handlers    map[handlerKey][]*handlerEntry
	dispatchers map[protocol.Channel]*dispatcher
	syncHooks   []func(SyncReason)
}

// NewManager constructs an idle manager.
func NewManager(dialer Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:         cfg,
		dialer:      dialer,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		states:      newStateBroadcaster(),
		wake:        make(chan struct{}, 1),
		state:       StateIdle,
		box:         outbox{limit: cfg.OutboundBuffer},
		handlers:    make(map[handlerKey][]*handlerEntry),
		dispatchers: make(map[protocol.Channel]*dispatcher),
	}
}

// Connect starts the connection loop. It returns nil once the handshake
// completes, a *protocol.AuthExpiredError when the credential is rejected
// (terminal), or a transient error while retries continue in the
// background.
func (m *Manager) Connect(ctx context.Context, id Identity) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.identity = id
	m.terminalErr = nil
	m.everConnected = false
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	first := make(chan error, 1)
	go m.supervise(runCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the loop and discards anything still buffered.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close disconnects and stops the channel dispatchers. The manager cannot
// be reused afterwards.
func (m *Manager) Close() {
	m.Disconnect()
	m.hmu.Lock()
	dispatchers := m.dispatchers
	m.dispatchers = make(map[protocol.Channel]*dispatcher)
	m.hmu.Unlock()
	for _, d := range dispatchers {
		close(d.queue)
		<-d.done
	}
}

func (m *Manager) supervise(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)

	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}
	backoff := m.cfg.ReconnectMin

	for {
		err := m.runOnce(ctx, func() {
			report(nil)
			backoff = m.cfg.ReconnectMin
		})
		if ctx.Err() != nil {
			report(ErrClosed)
			m.finish(nil)
			return
		}
		if protocol.IsAuthExpired(err) {
			m.logger.Printf("credential rejected, not retrying: %v", err)
			report(err)
			m.finish(err)
			return
		}
		report(err)

		wait := backoff + jitter(backoff)
		m.setState(StateReconnecting)
		m.logger.Printf("connection lost, retrying in %s: %v", wait, err)
		select {
		case <-ctx.Done():
			m.finish(nil)
			return
		case <-m.clock.After(wait):
		}
		backoff = min(backoff*2, m.cfg.ReconnectMax)
		observability.IncClientReconnect()
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)/jitterDivisor + 1))
}

// finish moves to StateClosed and discards the outbound buffer.
func (m *Manager) finish(err error) {
	m.mu.Lock()
	dropped := m.box.clear()
	m.state = StateClosed
	m.terminalErr = err
	m.transport = nil
	m.cancel = nil
	m.mu.Unlock()
	observability.SetOutboundBuffered(0)
	if dropped > 0 {
		m.logger.Printf("discarded %d buffered frames on close", dropped)
	}
	m.states.publish(StateClosed)
}

func (m *Manager) runOnce(ctx context.Context, onConnected func()) error {
	m.mu.Lock()
	id := m.identity
	resumed := m.everConnected
	m.mu.Unlock()
	if resumed {
		m.setState(StateReconnecting)
	} else {
		m.setState(StateConnecting)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	transport, err := m.dialer.Dial(dialCtx, id)
	cancelDial()
	if err != nil {
		if protocol.IsAuthExpired(err) || protocol.IsTransient(err) {
			return err
		}
		return &protocol.TransientNetworkError{Op: "dial", Err: err}
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	defer transport.Close()
	inbound := startReader(connCtx, transport)

	welcome, err := m.handshake(ctx, inbound)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.transport = transport
	m.welcome = welcome
	m.state = StateConnected
	m.connectedAt = m.clock.Now()
	m.everConnected = true
	m.protoErrs = 0
	m.mu.Unlock()
	m.states.publish(StateConnected)
	onConnected()
	m.logger.Printf("connected user_id=%s connection_id=%s resumed=%t", welcome.UserID, welcome.ConnectionID, resumed)

	if resumed {
		m.fireSync(SyncReconnect)
	} else {
		m.fireSync(SyncInitial)
	}

	err = m.serve(ctx, transport, inbound)

	m.mu.Lock()
	m.transport = nil
	m.box.dropVolatile()
	m.mu.Unlock()
	return err
}

type inboundFrame struct {
	data []byte
	err  error
}

func startReader(ctx context.Context, t Transport) <-chan inboundFrame {
	ch := make(chan inboundFrame, inboundChanSize)
	go func() {
		for {
			_, data, err := t.ReadMessage()
			select {
			case ch <- inboundFrame{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (m *Manager) handshake(ctx context.Context, in <-chan inboundFrame) (protocol.Welcome, error) {
	timer := m.clock.NewTimer(m.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg := <-in:
		if msg.err != nil {
			return protocol.Welcome{}, &protocol.TransientNetworkError{Op: "handshake", Err: msg.err}
		}
		env, err := protocol.Decode(msg.data)
		if err != nil {
			return protocol.Welcome{}, &protocol.TransientNetworkError{Op: "handshake", Err: err}
		}
		switch env.Event {
		case protocol.EventWelcome:
			var w protocol.Welcome
			if err := protocol.DecodePayload(env, &w); err != nil {
				return protocol.Welcome{}, &protocol.TransientNetworkError{Op: "handshake", Err: err}
			}
			return w, nil
		case protocol.EventRejected:
			var r protocol.Rejected
			_ = protocol.DecodePayload(env, &r)
			return protocol.Welcome{}, &protocol.AuthExpiredError{Reason: r.Reason}
		default:
			return protocol.Welcome{}, &protocol.TransientNetworkError{
				Op:  "handshake",
				Err: fmt.Errorf("unexpected %s before welcome", env.Event),
			}
		}
	case <-timer.Chan():
		return protocol.Welcome{}, &protocol.TransientNetworkError{Op: "handshake", Err: errHandshakeTimeout}
	case <-ctx.Done():
		return protocol.Welcome{}, ctx.Err()
	}
}

// serve is the single owner of writes for one transport.
func (m *Manager) serve(ctx context.Context, t Transport, in <-chan inboundFrame) error {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastInbound := m.clock.Now()

	if err := m.flush(t); err != nil {
		return err
	}
	for {
		select {
		case msg := <-in:
			if msg.err != nil {
				return &protocol.TransientNetworkError{Op: "read", Err: msg.err}
			}
			lastInbound = m.clock.Now()
			if err := m.handleFrame(t, msg.data); err != nil {
				return err
			}
		case <-m.wake:
			if err := m.flush(t); err != nil {
				return err
			}
		case <-ticker.Chan():
			idle := m.clock.Since(lastInbound)
			if idle >= m.cfg.HeartbeatTimeout {
				return &protocol.TransientNetworkError{Op: "heartbeat", Err: errHeartbeatTimeout}
			}
			if idle >= m.cfg.HeartbeatInterval {
				if err := m.writeEvent(t, protocol.ChannelSystem, protocol.EventPing, protocol.Heartbeat{At: m.clock.Now()}); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) handleFrame(t Transport, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		m.protocolError(err)
		return nil
	}
	switch env.Event {
	case protocol.EventPing:
		return m.writeEvent(t, protocol.ChannelSystem, protocol.EventPong, protocol.Heartbeat{At: m.clock.Now()})
	case protocol.EventPong:
		return nil
	case protocol.EventRefreshed:
		m.logger.Printf("credential refreshed")
		return nil
	case protocol.EventRejected:
		var r protocol.Rejected
		_ = protocol.DecodePayload(env, &r)
		return &protocol.AuthExpiredError{Reason: r.Reason}
	}
	m.route(env)
	return nil
}

func (m *Manager) flush(t Transport) error {
	for {
		m.mu.Lock()
		f, ok := m.box.pop()
		remaining := m.box.len()
		m.mu.Unlock()
		if !ok {
			return nil
		}
		if err := m.write(t, f.data); err != nil {
			if !f.volatile {
				m.mu.Lock()
				m.box.pushFront(f)
				m.mu.Unlock()
			}
			return err
		}
		observability.SetOutboundBuffered(remaining)
	}
}

func (m *Manager) writeEvent(t Transport, channel protocol.Channel, event protocol.Event, payload interface{}) error {
	data, err := protocol.Encode(channel, event, payload)
	if err != nil {
		return err
	}
	return m.write(t, data)
}

func (m *Manager) write(t Transport, data []byte) error {
	// network deadlines are wall-clock regardless of the injected clock
	if dw, ok := t.(deadlineWriter); ok {
		_ = dw.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	if err := t.WriteMessage(websocket.TextMessage, data); err != nil {
		return &protocol.TransientNetworkError{Op: "write", Err: err}
	}
	return nil
}

// Send queues an event for the transport and returns its frame id. While
// reconnecting, durable events are buffered up to the configured limit and
// volatile ones fail with ErrNotConnected.
func (m *Manager) Send(channel protocol.Channel, event protocol.Event, payload interface{}) (uint64, error) {
	data, err := protocol.Encode(channel, event, payload)
	if err != nil {
		return 0, err
	}
	volatile := protocol.Volatile(channel, event)

	m.mu.Lock()
	if m.cancel == nil {
		err := m.terminalErr
		m.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return 0, ErrClosed
	}
	if volatile && m.state != StateConnected {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}
	id, err := m.box.push(frame{channel: channel, event: event, data: data, volatile: volatile})
	buffered := m.box.len()
	m.mu.Unlock()

	if err != nil {
		observability.IncOutboundRejected()
		return 0, err
	}
	observability.SetOutboundBuffered(buffered)
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Withdraw removes a frame that has not reached the transport yet.
func (m *Manager) Withdraw(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.box.remove(id)
}

// Buffered returns the number of frames awaiting the transport.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.box.len()
}

// RotateCredential replaces the token used on the next (re)connect and
// announces it on the live connection, if any.
func (m *Manager) RotateCredential(token string) error {
	m.mu.Lock()
	m.identity.Token = token
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return nil
	}
	_, err := m.Send(protocol.ChannelSession, protocol.EventRefresh, protocol.Refresh{Token: token})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe returns a channel carrying the latest state, starting with the
// current one.
func (m *Manager) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	current := m.state
	m.mu.Unlock()
	return m.states.subscribe(current)
}

// Welcome returns the handshake payload of the current connection.
func (m *Manager) Welcome() protocol.Welcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.welcome
}

// ConnectedSince reports when the current transport completed its
// handshake.
func (m *Manager) ConnectedSince() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return time.Time{}, false
	}
	return m.connectedAt, true
}

// Identity returns the identity presented on the next dial.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Err returns the terminal error that closed the manager, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalErr
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.states.publish(s)
}

func (m *Manager) protocolError(err error) {
	channel := "unknown"
	var pe *protocol.ProtocolError
	if errors.As(err, &pe) && pe.Channel != "" {
		channel = string(pe.Channel)
	}
	observability.IncProtocolError(channel)
	m.logger.Printf("dropping frame: %v", err)

	m.mu.Lock()
	m.protoErrs++
	exceeded := m.protoErrs >= m.cfg.ProtocolErrorThreshold
	t := m.transport
	if exceeded {
		m.protoErrs = 0
	}
	m.mu.Unlock()

	if exceeded && t != nil {
		m.logger.Printf("protocol errors reached threshold=%d, closing transport", m.cfg.ProtocolErrorThreshold)
		_ = t.Close()
	}
}
