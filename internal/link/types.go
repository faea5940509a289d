package link

import (
	"errors"
	"time"

	"github.com/agentsight/relay/internal/model"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrDestroyed        = errors.New("link destroyed")
	ErrForcedDisconnect = errors.New("forced disconnect")
)

// Subscription keys with special meaning.
const (
	// EventWildcard receives every inbound event regardless of type.
	EventWildcard = "*"

	// EventStateChange receives synthetic events on link state transitions.
	// The payload is a StateChangePayload.
	EventStateChange = "state_change"
)

// FrameEvent is the only frame type carried on the channel today. Unknown
// types are skipped so the protocol can grow without breaking old relays.
const FrameEvent = "event"

// Frame is the wire envelope in both directions:
// {"type": "event", "event": {...}}.
type Frame struct {
	Type  string       `json:"type"`
	Event *model.Event `json:"event,omitempty"`
}

// StateChangePayload is the payload of synthetic state_change events.
type StateChangePayload struct {
	State model.ConnectionState `json:"state"`
	Error string                `json:"error,omitempty"`
}

// Handler receives inbound events, or synthetic ones for state_change
// subscriptions. Called synchronously in registration order.
type Handler func(ev model.Event)

// TimestampedMessage wraps raw inbound bytes with the local receive time.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the websocket
	ReceivedAt time.Time // Local time ReadMessage returned
}

// Status is the link's own view of the channel. The delivery layer merges
// this with queue state into the full ConnectionStatus.
type Status struct {
	State             model.ConnectionState
	ReconnectAttempts int
	LastUpdate        time.Time
	LastEventAt       time.Time
	Subscriptions     int
	Err               string
}

// ClientConfig configures a single websocket client.
type ClientConfig struct {
	URL              string        // ws:// or wss:// endpoint
	Token            string        // Optional bearer token
	HandshakeTimeout time.Duration // Dial deadline
	WriteTimeout     time.Duration // Control-frame deadline (keepalive, close)
	SendTimeout      time.Duration // Data write deadline
	PingTimeout      time.Duration // Stale past this without ping or pong
	BufferSize       int           // Inbound message channel buffer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		SendTimeout:      5 * time.Second,
		PingTimeout:      30 * time.Second,
		BufferSize:       1000,
	}
}

// Config configures the link manager. It mirrors the dashboard section of
// the relay configuration.
type Config struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendTimeout      time.Duration
	PingTimeout      time.Duration
	MessageBuffer    int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	c := DefaultClientConfig()
	return Config{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		SendTimeout:      c.SendTimeout,
		PingTimeout:      c.PingTimeout,
		MessageBuffer:    c.BufferSize,
	}
}
