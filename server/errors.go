package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/oneagent/transportcore/protocol"
)

// Code is a canonical error code shared across transports.
type Code string

const (
	CodeInvalidMessage  Code = "invalid_message"
	CodeInvalidJSON     Code = "invalid_json"
	CodeUnknownChannel  Code = "unknown_channel"
	CodeUnknownMission  Code = "unknown_mission"
	CodeSessionNotFound Code = "session_not_found"
	CodeOriginDenied    Code = "origin_denied"
	CodeMethodNotFound  Code = "method_not_found"
	CodeInvalidParams   Code = "invalid_params"
	CodeInternal        Code = "internal_error"
)

// Kind classifies errors by propagation policy.
type Kind int

const (
	KindTransport Kind = iota // framing/IO, recovered locally
	KindProtocol              // schema/JSON-RPC, per-request response
	KindAuth                  // origin/session, aborts the HTTP request
	KindNotFound              // session/mission/channel/method
	KindEngine                // downstream failure
	KindInternal              // unhandled
)

// Error carries a canonical code, a user-facing message and the kind that
// drives propagation. Implementation details never leak past Message.
type Error struct {
	Code    Code
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// JSONRPCCode maps the canonical code to its JSON-RPC error code. Codes
// with no JSON-RPC mapping (WS-only) return InternalError as a fallback.
func (e *Error) JSONRPCCode() int {
	switch e.Code {
	case CodeInvalidMessage:
		return protocol.InvalidRequest
	case CodeInvalidJSON:
		return protocol.ParseError
	case CodeSessionNotFound, CodeInvalidParams:
		return protocol.InvalidParams
	case CodeMethodNotFound:
		return protocol.MethodNotFound
	default:
		return protocol.InternalError
	}
}

// HTTPStatus maps the canonical code to the HTTP status used when the
// error aborts a request rather than producing a JSON-RPC response.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeOriginDenied:
		return http.StatusForbidden
	case CodeSessionNotFound:
		return http.StatusNotFound
	case CodeInvalidMessage, CodeInvalidJSON:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func NewError(code Code, kind Kind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

func WrapError(code Code, kind Kind, message string, cause error) *Error {
	return &Error{Code: code, Kind: kind, Message: message, Cause: cause}
}

func InvalidMessage(message string) *Error {
	return NewError(CodeInvalidMessage, KindProtocol, message)
}

func InvalidParamsError(message string) *Error {
	return NewError(CodeInvalidParams, KindProtocol, message)
}

func MethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, KindNotFound, fmt.Sprintf("method not found: %s", method))
}

func SessionNotFound(id string) *Error {
	return NewError(CodeSessionNotFound, KindNotFound, fmt.Sprintf("session not found: %s", id))
}

func OriginDenied(origin, reason string) *Error {
	return NewError(CodeOriginDenied, KindAuth, fmt.Sprintf("origin %q denied: %s", origin, reason))
}

func UnknownChannel(name string) *Error {
	return NewError(CodeUnknownChannel, KindNotFound, fmt.Sprintf("unknown channel: %s", name))
}

func UnknownMission(id string) *Error {
	return NewError(CodeUnknownMission, KindNotFound, fmt.Sprintf("unknown mission: %s", id))
}

func Internal(cause error) *Error {
	return WrapError(CodeInternal, KindInternal, "internal error", cause)
}

// AsError extracts a canonical *Error, wrapping unknown errors as internal.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Internal(err)
}

// Sentinel errors returned by the session store.
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)
