package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies transport failures for the supervisor's retry policy.
type ErrorKind int

const (
	Timeout ErrorKind = iota
	Refused
	ProtocolViolation
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case Refused:
		return "refused"
	case ProtocolViolation:
		return "protocol_violation"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is a transport-level failure surfaced to the supervisor. Strategies
// never retry internally; retry policy is centralized in the supervisor.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps an underlying network error to an ErrorKind.
func classify(op string, err error) *Error {
	kind := Closed
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = Timeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = Refused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		kind = Closed
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// protocolErr reports a malformed or unexpected server response.
func protocolErr(op string, format string, args ...any) *Error {
	return &Error{Kind: ProtocolViolation, Op: op, Err: fmt.Errorf(format, args...)}
}
