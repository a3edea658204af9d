package toolclient

import (
	"errors"
	"fmt"
)

// Kind classifies a failed tool client operation.
type Kind string

const (
	// KindConnection: the endpoint could not be reached after all retries.
	KindConnection Kind = "connection"
	// KindTimeout: the call exceeded its deadline. The session is kept.
	KindTimeout Kind = "timeout"
	// KindUnknownCapability: the endpoint does not advertise the tool.
	KindUnknownCapability Kind = "unknown_capability"
	// KindTransport: the stream failed mid-call. The session is dropped.
	KindTransport Kind = "transport"
	// KindRemote: the endpoint answered with an error.
	KindRemote Kind = "remote"
)

// Sentinels for errors.Is matching against an *Error.
var (
	ErrConnection        = errors.New("tool endpoint unreachable")
	ErrTimeout           = errors.New("tool call timed out")
	ErrUnknownCapability = errors.New("unknown capability")
	ErrTransport         = errors.New("transport error")
	ErrRemote            = errors.New("remote tool error")
)

// Error is returned by every Client operation that fails.
type Error struct {
	Kind Kind
	Tool string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Tool != "" {
		return fmt.Sprintf("tool %q: %s", e.Tool, msg)
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	errs := []error{sentinel(e.Kind)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func sentinel(k Kind) error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindTimeout:
		return ErrTimeout
	case KindUnknownCapability:
		return ErrUnknownCapability
	case KindTransport:
		return ErrTransport
	default:
		return ErrRemote
	}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// transportError marks a failure of the underlying stream.
type transportError struct{ err error }

func (e *transportError) Error() string { return "transport: " + e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

var errSessionClosed = errors.New("session closed")
