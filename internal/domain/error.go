package domain

import (
	"errors"
	"fmt"
)

// Error codes. Each maps to one callable status and one HTTP status in the
// handler package.
const (
	EUNAUTHENTICATED = "unauthenticated"     // 401
	EINVALID         = "invalid-argument"    // 400
	EPRECONDITION    = "failed-precondition" // 400: configuration or user state not ready
	ENOTFOUND        = "not-found"           // 404
	EFORBIDDEN       = "permission-denied"   // 403: object belongs to another user
	EINTERNAL        = "internal"            // 500: details never leave the process
)

// internalMessage replaces the message of internal errors at the boundary.
const internalMessage = "An internal error occurred. Please try again later."

// Error is an application error carrying a callable error code.
type Error struct {
	Code string

	// Message is safe to return to the caller unless Code is EINTERNAL.
	Message string

	// Op names the failing operation, e.g. "account.createSubscription".
	// Logged only.
	Op string

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func asError(err error) (*Error, bool) {
	var e *Error
	if err == nil || !errors.As(err, &e) {
		return nil, false
	}
	return e, true
}

// ErrorCode extracts the error code from an error. Errors that are not
// domain errors are internal; nil has no code.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the caller-facing message. Internal and unknown errors
// get a generic message.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok && e.Code != EINTERNAL {
		return e.Message
	}
	return internalMessage
}

// ErrorOp extracts the operation from an error (for logging).
func ErrorOp(err error) string {
	if e, ok := asError(err); ok {
		return e.Op
	}
	return ""
}

// IsCode returns true if err has the given error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}

// Errorf creates a new domain error with formatted message.
// Example: domain.Errorf(domain.EINVALID, "account.createEphemeralKey", "api_version is required")
func Errorf(code, op, format string, args ...interface{}) error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code and operation to err. Returns nil if err is nil.
func WrapError(err error, code, op, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

var (
	// ErrUnauthenticated is returned when a callable has no verifiable identity.
	ErrUnauthenticated = &Error{Code: EUNAUTHENTICATED, Message: "Authentication required"}

	// ErrUserUnresolved indicates that no user record matches a processor event.
	// Webhook handlers log and acknowledge it rather than failing the delivery.
	ErrUserUnresolved = &Error{Code: ENOTFOUND, Message: "No user matches the billing event"}
)

// NotFound reports a missing primary object.
// Example: domain.NotFound("account.confirmCheckoutSession", "checkout session", sessionID)
func NotFound(op, resource, identifier string) error {
	return &Error{Code: ENOTFOUND, Op: op, Message: fmt.Sprintf("%s not found: %s", resource, identifier)}
}

func Precondition(op, message string) error {
	return &Error{Code: EPRECONDITION, Op: op, Message: message}
}

func Forbidden(op, message string) error {
	return &Error{Code: EFORBIDDEN, Op: op, Message: message}
}

func Invalid(op, message string) error {
	return &Error{Code: EINVALID, Op: op, Message: message}
}

// Internal wraps err as an internal error. The message is logged, never shown.
func Internal(err error, op, message string) error {
	return &Error{Code: EINTERNAL, Op: op, Message: message, Err: err}
}
