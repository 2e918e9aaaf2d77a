package fabrictypes

import "fmt"

// ErrorKind enumerates the taxonomy in spec §7. Kinds, not Go type names:
// callers switch on Kind, never on the concrete error type.
type ErrorKind string

const (
	ErrUnreachable     ErrorKind = "unreachable"
	ErrTransportError  ErrorKind = "transport_error"
	ErrTimeout         ErrorKind = "timeout"
	ErrProtocolError   ErrorKind = "protocol_error"
	ErrQueueFull       ErrorKind = "queue_full"
	ErrChannelClosed   ErrorKind = "channel_closed"
	ErrUnknownSpecialist ErrorKind = "unknown_specialist"
	ErrForwardingLoop  ErrorKind = "forwarding_loop"
	ErrUnhealthyTarget ErrorKind = "unhealthy_target"
	ErrInvalidArgument ErrorKind = "invalid_argument"
	ErrConfig          ErrorKind = "config"
)

// Error is the structured, loggable error value returned across every
// module boundary. It is never a panic and never a bare sentinel string.
type Error struct {
	Kind         ErrorKind
	SpecialistId SpecialistId
	Message      string
	Cause        error
}

func (e *Error) Error() string {
	if e.SpecialistId != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.SpecialistId, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, Err(KindX)) work for kind-only comparisons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a *Error, the only constructor used throughout the
// fabric so that every error carries a Kind.
func NewError(kind ErrorKind, id SpecialistId, msg string, cause error) *Error {
	return &Error{Kind: kind, SpecialistId: id, Message: msg, Cause: cause}
}

// Err builds a bare kind-only sentinel suitable for errors.Is comparisons,
// e.g. errors.Is(err, fabrictypes.Err(fabrictypes.ErrTimeout)).
func Err(kind ErrorKind) *Error {
	return &Error{Kind: kind}
}
