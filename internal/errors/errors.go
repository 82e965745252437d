// Package errors defines the job-farming core's error taxonomy: a fixed set
// of kinds, not types, so callers can branch on severity with errors.Is while
// still getting a human-readable cause via errors.Unwrap/error.Error.
package errors

import "fmt"

// Kind classifies an error by how the runtime must react to it.
type Kind string

const (
	// KindTransport means the underlying send/recv/init/finalize failed.
	// Fatal to the rank.
	KindTransport Kind = "transport_error"
	// KindEncode means Codec.Marshal failed for a WorkItem/Result/Error.
	KindEncode Kind = "encode_error"
	// KindDecode means Codec.Unmarshal failed for a received frame.
	KindDecode Kind = "decode_error"
	// KindFrameTruncated means a framed recv returned fewer bytes than the
	// declared length. Fatal to the rank.
	KindFrameTruncated Kind = "frame_truncated"
	// KindFrameTooLarge means a declared frame length exceeded the configured
	// maximum. Fatal to the rank.
	KindFrameTooLarge Kind = "frame_too_large"
	// KindHandlerException means a user callback panicked or returned an
	// error. Never fatal; routed through the normal MessageError channel.
	KindHandlerException Kind = "handler_exception"
	// KindDeadlineExceeded means the controller observed its wall-clock
	// cutoff between dispatch rounds. Initiates orderly drain & terminate.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindProtocolViolation means a message arrived that the controller's
	// state machine did not expect (e.g. RequestWork from an unknown rank,
	// or a result from an inactive worker). Logged and suppressed.
	KindProtocolViolation Kind = "protocol_violation"
)

// Error wraps a cause with a Kind so the fatal/non-fatal propagation policy
// can be implemented with a single type switch at the top level.
type Error struct {
	Kind  Kind
	Cause error
	Msg   string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &errors.Error{Kind: errors.KindTransport}).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return te.Kind == e.Kind
}

// New constructs an Error of the given kind with a message and no cause.
func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Fatal reports whether an error of this kind must tear the rank down,
// per the propagation policy: transport/framing substrate errors
// are fatal, everything confined to a single item is not.
func Fatal(kind Kind) bool {
	switch kind {
	case KindTransport, KindFrameTruncated, KindFrameTooLarge:
		return true
	default:
		return false
	}
}
