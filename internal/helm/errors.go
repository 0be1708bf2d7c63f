package helm

import (
	"errors"
	"fmt"
)

// Sentinel errors corresponding to the stable wire error codes. Compare
// against these with errors.Is; wrap them in an *Error to attach context.
var (
	ErrAgentNotConnected  = fmt.Errorf("agent not connected")
	ErrWindowCreateFailed = fmt.Errorf("window creation failed")
	ErrRequestTimeout     = fmt.Errorf("request timed out")
	ErrAgentDisconnected  = fmt.Errorf("agent disconnected")
	ErrClientDisconnected = fmt.Errorf("client disconnected")
	ErrSessionNotFound    = fmt.Errorf("session not found")
	ErrProtocolError      = fmt.Errorf("protocol error")
	ErrCommandFailed      = fmt.Errorf("command failed")
	ErrAgentAlreadyBound  = fmt.Errorf("agent already connected")
	ErrUnknownRequestID   = fmt.Errorf("unknown request id")
)

// Code is the stable wire error code carried in an `error` message.
type Code string

const (
	CodeAgentNotConnected  Code = "AGENT_NOT_CONNECTED"
	CodeWindowCreateFailed Code = "WINDOW_CREATION_FAILED"
	CodeRequestTimeout     Code = "REQUEST_TIMEOUT"
	CodeAgentDisconnected  Code = "AGENT_DISCONNECTED"
	CodeClientDisconnected Code = "CLIENT_DISCONNECTED"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeProtocolError      Code = "PROTOCOL_ERROR"
	CodeCommandFailed      Code = "COMMAND_FAILED"
)

// sentinelCode maps a sentinel (or an error wrapping one) to its wire code.
// Errors not recognized map to CodeCommandFailed, the catch-all for
// agent-reported failures.
var sentinelCode = map[error]Code{
	ErrAgentNotConnected:  CodeAgentNotConnected,
	ErrWindowCreateFailed: CodeWindowCreateFailed,
	ErrRequestTimeout:     CodeRequestTimeout,
	ErrAgentDisconnected:  CodeAgentDisconnected,
	ErrClientDisconnected: CodeClientDisconnected,
	ErrSessionNotFound:    CodeSessionNotFound,
	ErrProtocolError:      CodeProtocolError,
	ErrCommandFailed:      CodeCommandFailed,
}

// Error wraps a sentinel with operation context, mirroring how the router
// and registry report failures to callers and to logs.
type Error struct {
	Op     string // e.g. "Router.Dispatch"
	Err    error  // sentinel or wrapped error
	Detail string // human-readable detail, e.g. a session id
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates an *Error, the daemon's standard error wrapper.
func NewError(op string, err error, detail string) *Error {
	return &Error{Op: op, Err: err, Detail: detail}
}

// WireCode returns the stable wire error code for err, falling back to
// CodeCommandFailed for errors that don't map to one of the sentinels
// (the catch-all for agent-reported failures, per spec).
func WireCode(err error) Code {
	for sentinel, code := range sentinelCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeCommandFailed
}
