package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a bridge failure for retry policy decisions.
type ErrorKind int

const (
	// ErrTransport is a network/connectivity failure. Retryable with backoff.
	ErrTransport ErrorKind = iota
	// ErrProtocol is a malformed or unexpected server response. Counts as a
	// failed attempt and is retryable.
	ErrProtocol
	// ErrCapability is a platform-side restriction (radio off, no service,
	// rate limit, restricted destination). Surfaced as a human-readable
	// failure reason on the message; retry is left to the user or the
	// periodic sweep.
	ErrCapability
	// ErrState is an inconsistency such as a missing conversation or a
	// duplicate send attempt. Never retried.
	ErrState
	// ErrConfiguration means credentials or required settings are absent.
	// Halts the sync loop before any transport call is made.
	ErrConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "transport"
	case ErrProtocol:
		return "protocol"
	case ErrCapability:
		return "capability"
	case ErrState:
		return "state"
	case ErrConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// BridgeError wraps an underlying error with its retry classification.
type BridgeError struct {
	Kind ErrorKind
	Err  error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

func wrapError(kind ErrorKind, format string, args ...any) error {
	return &BridgeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, defaulting to ErrTransport for
// unclassified errors so that unknown failures get retried rather than
// silently dropped.
func KindOf(err error) ErrorKind {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrTransport
}
