package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrRequestTimeout indicates that a request's deadline elapsed before the peer replied.
	// The request may be retried, ideally with backoff.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrConnectionClosed indicates that the engine or its transport closed while a request was
	// outstanding, or that a request was issued after close. A new session must be established
	// before retrying.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected indicates that no transport has been bound yet.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected indicates that Connect was called on an engine that still owns a
	// transport. Close it first.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrNotInitialized indicates that the handshake has not completed.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrCapabilityNotSupported indicates that the peer did not advertise the capability a
	// request needs.
	ErrCapabilityNotSupported = errors.New("capability not supported by peer")
)

// Direction tells whether a payload was being received from the peer or about to be sent.
type Direction string

// Directions of a ValidationError.
const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ValidationError indicates that a params or result payload did not match the shape declared
// for its method. Inbound params failures are answered with InvalidParams; result failures
// reject the pending request with this error.
type ValidationError struct {
	Method    string
	Direction Direction
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload for %q: %v", e.Direction, e.Method, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ParseError builds a JSONRPCError with CodeParseError.
func ParseError(message string) JSONRPCError {
	return JSONRPCError{Code: CodeParseError, Message: message}
}

// InvalidRequestError builds a JSONRPCError with CodeInvalidRequest.
func InvalidRequestError(message string) JSONRPCError {
	return JSONRPCError{Code: CodeInvalidRequest, Message: message}
}

// MethodNotFoundError builds a JSONRPCError with CodeMethodNotFound for method.
func MethodNotFoundError(method string) JSONRPCError {
	return JSONRPCError{
		Code:    CodeMethodNotFound,
		Message: errMsgMethodNotFound,
		Data:    map[string]any{"method": method},
	}
}

// InvalidParamsError builds a JSONRPCError with CodeInvalidParams.
func InvalidParamsError(message string) JSONRPCError {
	return JSONRPCError{Code: CodeInvalidParams, Message: message}
}

// InternalError builds a JSONRPCError with CodeInternalError and the generic message.
func InternalError() JSONRPCError {
	return JSONRPCError{Code: CodeInternalError, Message: errMsgInternalError}
}
