package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateEvent marks an event that was already applied. It is
// discarded silently and never surfaced to the user.
var ErrDuplicateEvent = errors.New("duplicate event")

// TransientNetworkError is a recoverable transport failure; the
// connection manager retries it with backoff.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error during %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// AuthExpiredError is terminal for a connection: the credential must be
// re-issued before another attempt is made.
type AuthExpiredError struct {
	Reason string
}

func (e *AuthExpiredError) Error() string {
	if e.Reason == "" {
		return "authentication expired"
	}
	return "authentication expired: " + e.Reason
}

// AckTimeoutError is recorded on a message that the server never
// acknowledged in time.
type AckTimeoutError struct {
	TempID  string
	Timeout time.Duration
}

func (e *AckTimeoutError) Error() string {
	return fmt.Sprintf("message %s not acknowledged within %s", e.TempID, e.Timeout)
}

// ProtocolError is a malformed or unexpected frame. The frame is dropped;
// the connection survives unless such errors repeat past a threshold.
type ProtocolError struct {
	Channel Channel
	Event   Event
	Reason  string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Event != "" {
		msg += " on " + string(e.Channel) + "/" + string(e.Event)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthExpired reports whether err carries an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var authErr *AuthExpiredError
	return errors.As(err, &authErr)
}

// IsTransient reports whether err carries a TransientNetworkError.
func IsTransient(err error) bool {
	var netErr *TransientNetworkError
	return errors.As(err, &netErr)
}

// IsProtocol reports whether err carries a ProtocolError.
func IsProtocol(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr)
}
