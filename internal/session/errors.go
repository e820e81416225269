package session

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies session failures. Every Kind is itself an error so callers
// can test with errors.Is(err, session.ErrNotConnected).
type Kind int

const (
	ErrPermissionDenied Kind = iota + 1
	ErrRadioDisabled
	ErrDiscoveryFailed
	ErrConnectFailed
	ErrNotConnected
	ErrWriteFailed
	ErrDisconnectFailed
)

func (k Kind) String() string {
	switch k {
	case ErrPermissionDenied:
		return "permission denied"
	case ErrRadioDisabled:
		return "radio disabled"
	case ErrDiscoveryFailed:
		return "discovery failed"
	case ErrConnectFailed:
		return "connect failed"
	case ErrNotConnected:
		return "not connected"
	case ErrWriteFailed:
		return "write failed"
	case ErrDisconnectFailed:
		return "disconnect failed"
	default:
		return "unknown"
	}
}

func (k Kind) Error() string { return k.String() }

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a name produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed := ParseKind(string(b))
	if parsed == 0 {
		return fmt.Errorf("unknown error kind %q", b)
	}
	*k = parsed
	return nil
}

// ParseKind is the inverse of Kind.String. It returns 0 for unknown names.
func ParseKind(s string) Kind {
	for k := ErrPermissionDenied; k <= ErrDisconnectFailed; k++ {
		if k.String() == s {
			return k
		}
	}
	return 0
}

var (
	// ErrConnectInProgress is returned when Connect is called for the device
	// that is already being connected. It is not recorded as LastError.
	ErrConnectInProgress = errors.New("connect already in progress for this device")
	// ErrSuperseded is the cause of a connect attempt abandoned because a
	// connect to another device was requested.
	ErrSuperseded = errors.New("superseded by a connect to another device")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")
)

// Error describes a failed session operation.
type Error struct {
	Kind    Kind
	Op      string // "discover", "connect", "send", ...
	Address string // device address, if any
	Err     error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Address != "" {
		msg += " " + e.Address
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// ErrorInfo is the last failure as exposed in State.
type ErrorInfo struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
