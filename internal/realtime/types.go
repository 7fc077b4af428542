package realtime

import (
	"context"
	"encoding/json"
	"errors"
)

// State is the subscription state of one channel.
type State int

const (
	Unsubscribed State = iota
	Authorizing
	Subscribed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Authorizing:
		return "authorizing"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

var (
	ErrClosed      = errors.New("realtime client closed")
	ErrChannelLeft = errors.New("channel left before subscription settled")
)

// Event is one named payload received on a channel. Data is the payload as
// the broadcaster sent it.
type Event struct {
	Channel string
	Name    string
	Data    []byte
}

// Handlers are the callbacks a Transport reports connection activity through.
// They are invoked from the transport's read loop, one at a time.
type Handlers struct {
	OnConnected    func(socketID string)
	OnDisconnected func(err error)
	OnEvent        func(Event)
}

// Transport is a pub/sub connection. Run owns the connection until ctx ends,
// reconnecting as it sees fit and reporting every (re)connection through
// Handlers. Subscribe completes a handshake with the credential returned by
// the authorization endpoint; auth is nil for channels that need none.
type Transport interface {
	Run(ctx context.Context, handlers Handlers) error
	Subscribe(ctx context.Context, channel string, auth json.RawMessage) error
	Unsubscribe(channel string) error
}
