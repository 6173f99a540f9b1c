package conn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/models"
	"chat-sync/internal/protocol"
)

// Transport is one live bidirectional connection. *websocket.Conn
// satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Identity is what the client presents on every (re)connect.
type Identity struct {
	UserID   string
	Role     models.Role
	DeviceID string
	Token    string
}

// Dialer opens transports. Implementations must report rejected
// credentials as *protocol.AuthExpiredError.
type Dialer interface {
	Dial(ctx context.Context, id Identity) (Transport, error)
}

// WebsocketDialer dials the relay over gorilla/websocket.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

// NewWebsocketDialer constructs a WebsocketDialer for url.
func NewWebsocketDialer(url string, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		URL: url,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial opens the websocket, presenting the identity as headers.
func (d *WebsocketDialer) Dial(ctx context.Context, id Identity) (Transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+id.Token)
	header.Set("X-Client-Role", string(id.Role))
	if id.DeviceID != "" {
		header.Set("X-Device-Id", id.DeviceID)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &protocol.AuthExpiredError{Reason: resp.Status}
		}
		return nil, &protocol.TransientNetworkError{Op: "dial", Err: err}
	}
	return conn, nil
}
