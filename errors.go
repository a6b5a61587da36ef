package mcpsession

import (
	"context"
	"errors"
	"fmt"
)

// Code is a JSON-RPC 2.0 error code, or one of the implementation-reserved
// codes used by this package to report session-level conditions that the
// wire protocol does not otherwise distinguish.
type Code int32

// Standard JSON-RPC 2.0 codes.
const (
	ParseError     Code = -32700
	InvalidRequest Code = -32600
	MethodNotFound Code = -32601
	InvalidParams  Code = -32602
	InternalError  Code = -32603
)

// Implementation-reserved codes, in the range LSP-style implementations
// conventionally use for local conditions that never originate from a peer.
const (
	RequestCancelled Code = -32800
	RequestTimeout   Code = -32801
	ConnectionClosed Code = -32802
)

// URLElicitationRequired signals that a tool call cannot proceed without
// out-of-band user interaction at a URL; its error data carries the
// elicitations to present.
const URLElicitationRequired Code = -32042

// String renders a human-readable label for well-known codes, falling back
// to the bare integer for anything else.
func (c Code) String() string {
	switch c {
	case ParseError:
		return "parse error"
	case InvalidRequest:
		return "invalid request"
	case MethodNotFound:
		return "method not found"
	case InvalidParams:
		return "invalid params"
	case InternalError:
		return "internal error"
	case RequestCancelled:
		return "request cancelled"
	case RequestTimeout:
		return "request timeout"
	case ConnectionClosed:
		return "connection closed"
	case URLElicitationRequired:
		return "url elicitation required"
	default:
		return fmt.Sprintf("code %d", int32(c))
	}
}

// ErrCoder is implemented by error values that carry a JSON-RPC error code.
// Errors that do not implement this interface are reported to peers as
// InternalError.
type ErrCoder interface {
	ErrCode() Code
}

// Error is the concrete type of errors reported over the wire, and of
// errors returned locally by session and task operations that originated
// from a protocol-level condition.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Data    interface{}     `json:"data,omitempty"`
	raw     []byte          // not filled by decoding; no code path sets it
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil error>"
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// ErrCode satisfies ErrCoder.
func (e *Error) ErrCode() Code { return e.Code }

// Is reports whether target is an *Error with the same code, so that
// errors.Is(err, &Error{Code: InvalidParams}) works without comparing
// messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithData attaches structured data to a copy of e and returns it.
func (e *Error) WithData(v interface{}) *Error {
	cp := *e
	cp.Data = v
	return &cp
}

// Errorf constructs an *Error with the given code and a formatted message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode reports the code associated with err. Errors implementing
// ErrCoder report their own code; context cancellation and deadline errors
// are mapped to RequestCancelled/RequestTimeout; everything else reports
// InternalError.
func ErrorCode(err error) Code {
	if err == nil {
		return 0
	}
	var ec ErrCoder
	if errors.As(err, &ec) {
		return ec.ErrCode()
	}
	if errors.Is(err, context.Canceled) {
		return RequestCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RequestTimeout
	}
	return InternalError
}

// Sentinel errors. The plain errors.New values stay on the Go side (a
// handler that returns one is reported to the peer as InternalError); the
// *Error values (errEmptyBatch, ErrTaskNotFound) carry a protocol code
// that is kept when they are sent to the peer.
var (
	errSessionClosed  = errors.New("session is closed")
	errHandlersLocked = errors.New("handler registration is locked after connect")
	errDuplicateID    = errors.New("duplicate request id")
	errEmptyBatch     = &Error{Code: InvalidRequest, Message: "batch must not be empty"}
	errUnsupportedVer = errors.New("unsupported protocol version")
	errNotConnected   = errors.New("session is not connected")

	// ErrTaskNotFound is returned when a task id is unknown to the store.
	ErrTaskNotFound = &Error{Code: InvalidParams, Message: "task not found"}

	// ErrTerminalTransitionRefused is returned when an update attempts to
	// change the status of a task that has already reached a terminal
	// status.
	ErrTerminalTransitionRefused = errors.New("task has reached a terminal status")

	// ErrQueueOverflow is returned by a bounded task message queue when an
	// enqueue would exceed its configured capacity.
	ErrQueueOverflow = errors.New("task message queue is full")
)
