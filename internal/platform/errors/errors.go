// Package errors provides the coded error type shared by every layer of the
// service. Repositories wrap storage failures, the routing service raises
// domain failures, and the HTTP layer maps codes to status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies an error.
type Code string

const (
	ErrCodeInvalidInput    Code = "VALIDATION_ERROR"
	ErrCodeForbidden       Code = "AUTHORIZATION_ERROR"
	ErrCodeUnauthenticated Code = "UNAUTHENTICATED"
	ErrCodeConflict        Code = "CONFLICT"
	ErrCodeConfiguration   Code = "CONFIGURATION_ERROR"
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodeInternal        Code = "INTERNAL"
)

// Reason narrows a code to a specific failure a client can react to.
type Reason string

const (
	ReasonLevelMismatch         Reason = "LEVEL_MISMATCH"
	ReasonTokenAlreadyUsed      Reason = "TOKEN_ALREADY_USED"
	ReasonTokenExpired          Reason = "TOKEN_EXPIRED"
	ReasonInstanceNotPending    Reason = "INSTANCE_NOT_PENDING"
	ReasonCommentsRequired      Reason = "COMMENTS_REQUIRED"
	ReasonNoEligibleApprover    Reason = "NO_ELIGIBLE_APPROVER"
	ReasonInvalidAction         Reason = "INVALID_ACTION"
	ReasonInvalidTransition     Reason = "INVALID_TRANSITION"
	ReasonEmailMismatch         Reason = "EMAIL_MISMATCH"
	ReasonEmailApprovalDisabled Reason = "EMAIL_APPROVAL_DISABLED"
	ReasonArchived              Reason = "ARCHIVED"
)

// Error is the coded error carried across layers.
type Error struct {
	Code    Code
	Reason  Reason
	Message string
	Field   string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error code to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WithReason returns a copy of e carrying reason.
func (e *Error) WithReason(reason Reason) *Error {
	cp := *e
	cp.Reason = reason
	return &cp
}

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Already coded
// errors pass through untouched so domain failures raised inside a
// transaction keep their meaning.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return err
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a field-level validation failure.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Conflict reports that the target moved since the caller last read it.
func Conflict(reason Reason, message string) *Error {
	return &Error{Code: ErrCodeConflict, Reason: reason, Message: message}
}

// Forbidden reports an actor that may not perform the action.
func Forbidden(message string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message}
}

// As extracts the coded error from err.
func As(err error) (*Error, bool) {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if coded, ok := As(err); ok {
		return coded.Code
	}
	return ErrCodeInternal
}

// HasReason reports whether err carries reason.
func HasReason(err error, reason Reason) bool {
	coded, ok := As(err)
	return ok && coded.Reason == reason
}

// Is is re-exported so callers need a single errors import.
var Is = stderrors.Is
