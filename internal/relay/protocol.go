package relay

import (
	"encoding/json"
	"errors"
)

// Frame types exchanged over the relay websocket.
const (
	frameHandshake = "handshake"
	frameSubscribe = "subscribe"
	framePublish   = "publish"
	frameAck       = "ack"
	frameError     = "error"
)

var (
	// ErrNotConnected is reported to publish callbacks while the socket is down.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrConnectionLost fails publishes that were in flight when the socket dropped.
	ErrConnectionLost = errors.New("relay: connection lost")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("relay: connection closed")
)

// frame is the single envelope used in both directions.
type frame struct {
	Type       string          `json:"type"`
	Channel    string          `json:"channel,omitempty"`
	ClientID   string          `json:"client_id,omitempty"`
	ClientData json.RawMessage `json:"client_data,omitempty"`
	Room       string          `json:"room,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Callback   uint64          `json:"callback,omitempty"`
	Error      string          `json:"error,omitempty"`
}
