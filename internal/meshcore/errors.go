package meshcore

import (
	"errors"
	"fmt"
)

// ConnKind distinguishes transport-level failure classes.
type ConnKind int

const (
	// ConnKindDial covers failures establishing the physical link.
	ConnKindDial ConnKind = iota
	// ConnKindLost covers an established link dropping unexpectedly.
	ConnKindLost
	// ConnKindExhausted means reconnection backoff hit its configured cap.
	ConnKindExhausted
	// ConnKindPINUnsupported is returned when BLE PIN pairing is requested
	// over a proxied Bluetooth link, where out-of-band PIN entry cannot be
	// performed.
	ConnKindPINUnsupported
)

func (k ConnKind) String() string {
	switch k {
	case ConnKindDial:
		return "dial"
	case ConnKindLost:
		return "lost"
	case ConnKindExhausted:
		return "exhausted"
	case ConnKindPINUnsupported:
		return "pin_unsupported"
	default:
		return "unknown"
	}
}

// ConnError is a transport-level connection failure.
type ConnError struct {
	Kind ConnKind
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connection error (%s)", e.Kind)
}

func (e *ConnError) Unwrap() error { return e.Err }

// DeviceError is an explicit failure payload returned by node firmware.
type DeviceError struct {
	Code byte
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device returned error code 0x%02x", e.Code)
}

// Sentinel errors surfaced by the session layer.
var (
	// ErrNotConnected is returned for commands attempted while the session
	// is not connected.
	ErrNotConnected = errors.New("not connected")
	// ErrTimeout is returned when a command's deadline elapses with no
	// matching response.
	ErrTimeout = errors.New("command timed out")
	// ErrConnectionLost resolves commands that were pending when the
	// transport dropped.
	ErrConnectionLost = errors.New("connection lost")
	// ErrNotFound is returned when a contact address resolves to nothing.
	ErrNotFound = errors.New("no matching contact")
	// ErrAmbiguous is returned when a contact address resolves to more
	// than one contact.
	ErrAmbiguous = errors.New("ambiguous contact address")
)
