// Package transport provides the Transport interface and the serial, BLE,
// and TCP implementations that carry the companion protocol to a MeshCore
// node. All variants share identical semantics; only connection setup
// differs.
package transport

import "time"

// ConnectionState describes the current link status.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	// StateDegraded means an established link dropped and the transport is
	// reconnecting with backoff.
	StateDegraded
	// StateFailed means reconnection backoff hit its configured attempt cap.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Backoff configures reconnection after a link drop. MaxAttempts of zero
// retries forever.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Transport is the abstraction over serial, BLE, and TCP links.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect starts the link and its reconnect loop. Idempotent if
	// already connected.
	Connect() error
	// Disconnect tears the link down and stops reconnecting.
	Disconnect() error
	// Send writes one command payload, applying whatever framing the link
	// requires.
	Send(payload []byte) error
	// Frames returns the stream of complete inbound payloads. The channel
	// survives reconnects and is closed only by Disconnect or after the
	// reconnect attempt cap is exhausted.
	Frames() <-chan []byte
	// States returns link state transitions in order. The owner uses
	// StateDegraded to fail pending commands and StateFailed to surface a
	// persistent connection error.
	States() <-chan ConnectionState
	// State returns the current link state.
	State() ConnectionState
}
