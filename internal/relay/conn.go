package relay

//go:generate mockgen -destination=mocks/mock_conn.go -package=mocks github.com/ledzpl/relaychat/internal/relay Conn

import (
	"context"
	"encoding/json"
)

// EventKind identifies a relay lifecycle or room event.
type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventClose
	EventReconnect
	EventData
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventReconnect:
		return "reconnect"
	case EventData:
		return "data"
	default:
		return "unknown"
	}
}

// Event is delivered on Conn.Events. Room, Data and ClientID are only set for EventData.
type Event struct {
	Kind     EventKind
	Room     string
	ClientID string
	Data     json.RawMessage
}

// Conn is a connection to the hosted relay.
//
// All callbacks and events originate from the connection's own goroutines;
// callers that need single-threaded handling must forward them.
type Conn interface {
	// Subscribe joins room. Subscriptions survive reconnects.
	Subscribe(room string) error
	// Publish sends payload to room. done, when non-nil, receives the relay's
	// acknowledgement or the failure.
	Publish(room string, payload any, done func(error))
	// Events streams lifecycle and room events until the connection is closed.
	Events() <-chan Event
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Options configure a relay connection.
type Options struct {
	// URL is the relay websocket endpoint, e.g. ws://localhost:4017/relay.
	URL string
	// Channel selects the relay channel.
	Channel string
	// ClientData is sent with the handshake as the client's identity.
	ClientData any
}

// Dialer opens a relay connection.
type Dialer func(ctx context.Context, opts Options) (Conn, error)
