package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// ErrorKind tags an Error with the transport-level category it belongs to.
// The kind is not serialized; it exists so callers can branch on the failure
// class without comparing codes and messages.
type ErrorKind string

const (
	KindInvalidRequest   ErrorKind = "invalid_request"
	KindMethodNotAllowed ErrorKind = "method_not_allowed"
	KindInvalidParams    ErrorKind = "invalid_params"
	KindInternalError    ErrorKind = "internal_error"
)

// Messages used for synthesized errors.
const (
	MessageMethodNotAllowed = "Method Not Allowed"
	MessageRequestTimedOut  = "Request timed out"
)

// Error is a JSON-RPC error object. It implements the error interface so
// handlers can return it directly and have its code preserved on the wire.
type Error struct {
	Kind    ErrorKind `json:"-"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InvalidRequest builds an Error tagged KindInvalidRequest.
func InvalidRequest(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Code: ErrorCodeInvalidRequest, Message: msg}
}

// MethodNotAllowed builds an Error tagged KindMethodNotAllowed. JSON-RPC has
// no dedicated code for this, so it shares the invalid request code.
func MethodNotAllowed() *Error {
	return &Error{Kind: KindMethodNotAllowed, Code: ErrorCodeInvalidRequest, Message: MessageMethodNotAllowed}
}

// InvalidParams builds an Error tagged KindInvalidParams. Handlers return it
// when their params fail to decode or validate.
func InvalidParams(msg string) *Error {
	return &Error{Kind: KindInvalidParams, Code: ErrorCodeInvalidParams, Message: msg}
}

// InternalError builds an Error tagged KindInternalError.
func InternalError(msg string) *Error {
	return &Error{Kind: KindInternalError, Code: ErrorCodeInternalError, Message: msg}
}

// TimeoutResponse synthesizes the response delivered in place of a nested
// request's reply when its deadline passes.
func TimeoutResponse(id *RequestID) *Response {
	return NewErrorResponseFrom(id, InternalError(MessageRequestTimedOut))
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
