// Package conntest provides in-memory transports for exercising code built
// on conn.Manager without a relay.
package conntest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-sync/internal/conn"
	"chat-sync/internal/protocol"
)

// ErrTransportClosed is returned by a closed Transport.
var ErrTransportClosed = errors.New("conntest: transport closed")

// Transport is a pair of frame queues standing in for a websocket.
type Transport struct {
	In  chan []byte
	Out chan []byte

	closed chan struct{}
	once   sync.Once
}

// NewTransport returns an open Transport with buffered queues.
func NewTransport() *Transport {
	return &Transport{
		In:     make(chan []byte, 64),
		Out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-t.In:
		return 1, data, nil
	case <-t.closed:
		return 0, nil, ErrTransportClosed
	}
}

func (t *Transport) WriteMessage(_ int, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case t.Out <- data:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (t *Transport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Deliver pushes an event toward the client.
func (t *Transport) Deliver(channel protocol.Channel, event protocol.Event, payload interface{}) error {
	data, err := protocol.Encode(channel, event, payload)
	if err != nil {
		return err
	}
	t.In <- data
	return nil
}

// DeliverRaw pushes an arbitrary frame toward the client.
func (t *Transport) DeliverRaw(data []byte) {
	t.In <- data
}

// Next waits for the next frame written by the client.
func (t *Transport) Next(timeout time.Duration) (protocol.Envelope, error) {
	select {
	case data := <-t.Out:
		return protocol.Decode(data)
	case <-time.After(timeout):
		return protocol.Envelope{}, errors.New("conntest: no frame written")
	}
}

// NextEvent skips frames until one with the given event arrives.
func (t *Transport) NextEvent(event protocol.Event, timeout time.Duration) (protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return protocol.Envelope{}, fmt.Errorf("conntest: no %s written", event)
		}
		env, err := t.Next(remaining)
		if err != nil {
			return protocol.Envelope{}, fmt.Errorf("conntest: no %s written: %w", event, err)
		}
		if env.Event == event {
			return env, nil
		}
	}
}

// Dialer hands out fresh Transports that open with session:welcome, or
// fails with Err when set.
type Dialer struct {
	// Dialed receives every transport handed out.
	Dialed chan *Transport

	mu         sync.Mutex
	err        error
	reject     string
	transports []*Transport
	identities []conn.Identity
}

var _ conn.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer that accepts every connection.
func NewDialer() *Dialer {
	return &Dialer{Dialed: make(chan *Transport, 32)}
}

// SetErr makes subsequent dials fail with err; nil restores success.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// RejectWith makes subsequent handshakes answer session:rejected.
func (d *Dialer) RejectWith(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reject = reason
}

func (d *Dialer) Dial(_ context.Context, id conn.Identity) (conn.Transport, error) {
	d.mu.Lock()
	err, reject := d.err, d.reject
	d.identities = append(d.identities, id)
	if err != nil {
		d.mu.Unlock()
		return nil, err
	}
	t := NewTransport()
	d.transports = append(d.transports, t)
	n := len(d.transports)
	d.mu.Unlock()

	if reject != "" {
		_ = t.Deliver(protocol.ChannelSession, protocol.EventRejected, protocol.Rejected{Reason: reject})
	} else {
		_ = t.Deliver(protocol.ChannelSession, protocol.EventWelcome, protocol.Welcome{
			UserID:       id.UserID,
			ConnectionID: fmt.Sprintf("conn-%d", n),
		})
	}
	select {
	case d.Dialed <- t:
	default:
	}
	return t, nil
}

// Dials returns how many dial attempts were made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.identities)
}

// Identities returns the identity presented on each dial attempt.
func (d *Dialer) Identities() []conn.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]conn.Identity(nil), d.identities...)
}

// Last returns the most recently opened transport.
func (d *Dialer) Last() *Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}
