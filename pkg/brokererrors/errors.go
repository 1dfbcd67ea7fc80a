// Package brokererrors defines the broker's error taxonomy and its mapping
// onto JSON-RPC 2.0 error codes. Every error the core raises that can reach
// a caller is wrapped as an *Error carrying a Kind from this table.
package brokererrors

import (
	"errors"
	"fmt"
)

// Kind identifies one row of the error taxonomy.
type Kind string

const (
	KindParseError                    Kind = "ParseError"
	KindInvalidRequest                Kind = "InvalidRequest"
	KindMethodNotFound                Kind = "MethodNotFound"
	KindInvalidParams                 Kind = "InvalidParams"
	KindInternalError                 Kind = "InternalError"
	KindTaskNotFound                  Kind = "TaskNotFound"
	KindTaskNotCancelable             Kind = "TaskNotCancelable"
	KindPushNotificationNotSupported  Kind = "PushNotificationNotSupported"
	KindUnsupportedOperation          Kind = "UnsupportedOperation"
	KindContentTypeNotSupported       Kind = "ContentTypeNotSupported"
	KindInvalidAgentResponse          Kind = "InvalidAgentResponse"
	KindDeviceGone                    Kind = "DeviceGone"
	KindTimeout                       Kind = "Timeout"
	KindOverloaded                    Kind = "Overloaded"
	KindAlreadyExists                 Kind = "AlreadyExists"
	KindInvalidCapabilitySource       Kind = "InvalidCapabilitySource"
	KindNotFound                      Kind = "NotFound"
)

// JSON-RPC 2.0 standard codes, plus a block of application-specific codes
// for the broker-defined kinds (§7). Standard codes match the values every
// JSON-RPC implementation in the pack uses (pkg/transport/jsonrpc_handler.go).
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Application-specific range, as JSON-RPC 2.0 reserves -32000..-32099
	// for implementation-defined server errors.
	CodeTaskNotFound                 = -32001
	CodeTaskNotCancelable             = -32002
	CodePushNotificationNotSupported  = -32003
	CodeUnsupportedOperation          = -32004
	CodeContentTypeNotSupported       = -32005
	CodeInvalidAgentResponse          = -32006
	CodeDeviceGone                    = -32007
	CodeTimeout                       = -32008
	CodeOverloaded                    = -32009
	CodeAlreadyExists                 = -32010
	CodeInvalidCapabilitySource       = -32011
	CodeNotFound                      = -32012
)

var codeByKind = map[Kind]int{
	KindParseError:                   CodeParseError,
	KindInvalidRequest:               CodeInvalidRequest,
	KindMethodNotFound:               CodeMethodNotFound,
	KindInvalidParams:                CodeInvalidParams,
	KindInternalError:                CodeInternalError,
	KindTaskNotFound:                 CodeTaskNotFound,
	KindTaskNotCancelable:            CodeTaskNotCancelable,
	KindPushNotificationNotSupported: CodePushNotificationNotSupported,
	KindUnsupportedOperation:         CodeUnsupportedOperation,
	KindContentTypeNotSupported:      CodeContentTypeNotSupported,
	KindInvalidAgentResponse:         CodeInvalidAgentResponse,
	KindDeviceGone:                   CodeDeviceGone,
	KindTimeout:                      CodeTimeout,
	KindOverloaded:                   CodeOverloaded,
	KindAlreadyExists:                CodeAlreadyExists,
	KindInvalidCapabilitySource:      CodeInvalidCapabilitySource,
	KindNotFound:                     CodeNotFound,
}

// Error is the broker's typed error. It always carries a Kind so transports
// can map it to their own wire representation without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the JSON-RPC error code for this error's Kind.
func (e *Error) Code() int {
	if c, ok := codeByKind[e.Kind]; ok {
		return c
	}
	return CodeInternalError
}

// New builds a typed error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a typed error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, defaulting to InternalError for
// untyped errors so every path through the handler still maps to a code.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternalError
}

// CodeFor returns the JSON-RPC code for an arbitrary error, typed or not.
func CodeFor(err error) int {
	var be *Error
	if errors.As(err, &be) {
		return be.Code()
	}
	return CodeInternalError
}

// Sentinel errors for conditions callers commonly check with errors.Is,
// mirroring pkg/ratelimit/errors.go and pkg/auth/errors.go's sentinel idiom.
var (
	ErrNotFound      = New(KindNotFound, "resource not found")
	ErrAlreadyExists = New(KindAlreadyExists, "resource already exists")
)
