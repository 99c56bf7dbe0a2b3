package message

import (
	"errors"
	"fmt"
)

// Error codes carried in RPCError.Code.
const (
	MethodNotFound           = "MethodNotFound"
	UncaughtError            = "UncaughtError"
	RemoteError              = "RemoteError"
	RemoteMethodTimeoutError = "RemoteMethodTimeoutError"
	ForcedError              = "ForcedError"
	HandlerTimeout           = "HandlerTimeout"
	RateLimited              = "RateLimited"
	TransportClosed          = "TransportClosed"

	// Unavailable is raised by a handler for a failure it knows to be
	// transient. It is the only code dispatch retries.
	Unavailable = "Unavailable"
)

// RPCError is the structured failure that crosses the wire in a response envelope.
type RPCError struct {
	Code       string `json:"errorCode"`
	Message    string `json:"message,omitempty"`
	MethodName string `json:"methodName,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"` // senderId of the endpoint whose handler failed
	Data       any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	switch {
	case e.Message != "" && e.MethodName != "":
		return fmt.Sprintf("%s: %s (method %q)", e.Code, e.Message, e.MethodName)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.MethodName != "":
		return fmt.Sprintf("%s (method %q)", e.Code, e.MethodName)
	default:
		return e.Code
	}
}

// ErrorCode lets RPCError satisfy Coder.
func (e *RPCError) ErrorCode() string {
	return e.Code
}

// Coder is implemented by errors that name their own error code.
type Coder interface {
	ErrorCode() string
}

// NewError builds an RPCError with a formatted message.
func NewError(code, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the error code of err, or "" when err carries none.
func CodeOf(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ""
}
