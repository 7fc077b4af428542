package pusher

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var (
	ErrNotConnected        = errors.New("pusher: not connected")
	ErrHandshakeTimeout    = errors.New("pusher: no connection_established before timeout")
	ErrPongTimeout         = errors.New("pusher: no pong before timeout")
	ErrSubscribeSuperseded = errors.New("pusher: subscribe superseded by a newer request")
)

// ProtocolError is a pusher:error frame or a close frame carrying a Pusher
// error code.
type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "pusher protocol error"
	}
	if e.Message == "" {
		return fmt.Sprintf("pusher error %d", e.Code)
	}
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// Permanent reports whether the server asked the client not to reconnect
// (codes 4000-4099).
func (e *ProtocolError) Permanent() bool {
	return e != nil && e.Code >= 4000 && e.Code < 4100
}

// Immediate reports whether the server asked for a reconnect without delay
// (codes 4200-4299).
func (e *ProtocolError) Immediate() bool {
	return e != nil && e.Code >= 4200 && e.Code < 4300
}

// SubscriptionError is a pusher:subscription_error reply, typically a
// rejected channel signature.
type SubscriptionError struct {
	Channel string
	Status  int
	Type    string
	Message string
}

func (e *SubscriptionError) Error() string {
	if e == nil {
		return "pusher subscription rejected"
	}
	if e.Status != 0 {
		return fmt.Sprintf("pusher subscription to %s rejected (%d): %s", e.Channel, e.Status, e.Message)
	}
	return fmt.Sprintf("pusher subscription to %s rejected: %s", e.Channel, e.Message)
}

// protocolErrorFrom extracts a Pusher error code from a websocket close.
func protocolErrorFrom(err error) (*ProtocolError, bool) {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr, true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code >= 4000 && closeErr.Code < 4300 {
		return &ProtocolError{Code: closeErr.Code, Message: closeErr.Text}, true
	}
	return nil, false
}
