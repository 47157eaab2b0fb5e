package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies failures so callers can decide what to do with a connection.
type Kind int

const (
	// KindProtocolViolation covers malformed frames, oversized declared lengths
	// and messages that are not allowed in the current phase.
	KindProtocolViolation Kind = iota + 1
	// KindAuthFailure covers bad proofs, handshake timeouts and version mismatches.
	KindAuthFailure
	// KindTransport covers socket resets and write failures.
	KindTransport
	// KindTrustDenied is returned when policy refuses a peer.
	KindTrustDenied
	// KindConfiguration is fatal at startup.
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindProtocolViolation:
		return "protocol_violation"
	case KindAuthFailure:
		return "auth_failure"
	case KindTransport:
		return "transport_error"
	case KindTrustDenied:
		return "trust_denied"
	case KindConfiguration:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Sentinel errors
var (
	ErrFrameTooLarge    = errors.New("frame exceeds maximum payload size")
	ErrEmptyFrame       = errors.New("empty frame")
	ErrMalformed        = errors.New("malformed message")
	ErrUnknownType      = errors.New("unknown message type")
	ErrHashMismatch     = errors.New("content hash mismatch")
	ErrUnexpectedType   = errors.New("unexpected message type")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrVersionMismatch  = errors.New("protocol version mismatch")
	ErrHandshakeTimeout = errors.New("handshake timed out")
	ErrSelfConnection   = errors.New("connection to self")
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Violation wraps err as a protocol violation.
func Violation(op string, err error) error {
	return &Error{Kind: KindProtocolViolation, Op: op, Err: err}
}

// AuthFailure wraps err as an authentication failure.
func AuthFailure(op string, err error) error {
	return &Error{Kind: KindAuthFailure, Op: op, Err: err}
}

// TransportError wraps err as a transport failure.
func TransportError(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// TrustDenied wraps err as a trust refusal.
func TrustDenied(op string, err error) error {
	return &Error{Kind: KindTrustDenied, Op: op, Err: err}
}

// ConfigurationError wraps err as a configuration failure.
func ConfigurationError(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain.
// Unclassified errors are treated as transport failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransport
}
