package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures. The values double as the wire-level
// error codes of the API error envelope.
type ErrorCode string

const (
	// CodeUnauthorized means the caller presented no or an invalid token.
	CodeUnauthorized ErrorCode = "unauthorized"
	// CodeForbidden means the token is valid but its scopes are insufficient.
	CodeForbidden ErrorCode = "forbidden"
	// CodeNotFound means the package, version, or session does not exist.
	CodeNotFound ErrorCode = "not_found"
	// CodeConflict means the write collides with existing state, e.g. a
	// version published with differing content or a finalized session reused.
	CodeConflict ErrorCode = "conflict"
	// CodeInvalid means the input was malformed (archive, manifest, params).
	CodeInvalid ErrorCode = "invalid"
	// CodeBackend means a storage or database operation failed.
	CodeBackend ErrorCode = "backend"
)

// Error is a classified engine error. Adapters normalize backend-specific
// error shapes into this type at the boundary; it is never constructed from
// user-visible strings alone without a code.
type Error struct {
	Code    ErrorCode
	Message string
	err     error
}

// NewError builds a classified error wrapping an optional cause.
func NewError(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Unauthorizedf builds an unauthorized error.
func Unauthorizedf(format string, args ...any) *Error {
	return &Error{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbiddenf builds a forbidden error.
func Forbiddenf(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Invalidf builds an invalid-input error.
func Invalidf(format string, args ...any) *Error {
	return &Error{Code: CodeInvalid, Message: fmt.Sprintf(format, args...)}
}

// Backendf builds a backend error wrapping its cause.
func Backendf(err error, format string, args ...any) *Error {
	return &Error{Code: CodeBackend, Message: fmt.Sprintf(format, args...), err: err}
}

// CodeOf returns the classification of err, defaulting to CodeBackend for
// unclassified errors so that raw backend failures never masquerade as
// client mistakes.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeBackend
}

// HasCode reports whether err carries the given classification.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// IsNotFound reports whether err is a not-found classification.
func IsNotFound(err error) bool { return HasCode(err, CodeNotFound) }

// IsConflict reports whether err is a conflict classification.
func IsConflict(err error) bool { return HasCode(err, CodeConflict) }
