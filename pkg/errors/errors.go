// Package errors defines the error taxonomy of the Sentinel control plane.
// Every error a component returns to a caller maps to one code and one HTTP status,
// carries optional metadata, and supports Go error wrapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a class of failure.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeAuthorizationDenied  Code = "authorization_denied"
	CodeKeyUnavailable       Code = "key_unavailable"
	CodeIntegrityViolation   Code = "integrity_violation"
	CodeRateLimited          Code = "rate_limited"
	CodeBlocked              Code = "blocked"
	CodeComplianceViolation  Code = "compliance_violation"
	CodeInvalidRequest       Code = "invalid_request"
	CodeNotFound             Code = "not_found"
	CodeConflict             Code = "conflict"
	CodeInternal             Code = "internal_error"
)

// authFailedMessage is the single public message for every authentication failure,
// so callers cannot distinguish unknown subjects, bad secrets and locked accounts.
const authFailedMessage = "authentication failed"

// ================================================================================
// Base Error Interface
// ================================================================================

// SecurityError represents a structured error with additional metadata
type SecurityError interface {
	error

	// Code returns the taxonomy code
	Code() Code

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Description returns the caller-safe description
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) SecurityError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) SecurityError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// baseError is the internal implementation of SecurityError
type baseError struct {
	code        Code
	httpStatus  int
	description string
	message     string
	cause       error
	metadata    map[string]interface{}
}

func (e *baseError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.description
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *baseError) Code() Code          { return e.code }
func (e *baseError) HTTPStatus() int     { return e.httpStatus }
func (e *baseError) Description() string { return e.description }
func (e *baseError) Unwrap() error       { return e.cause }

func (e *baseError) WithCause(cause error) SecurityError {
	e.cause = cause
	return e
}

func (e *baseError) WithMetadata(key string, value interface{}) SecurityError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// Is matches another SecurityError by code so that errors.Is(err, ErrX()) works.
func (e *baseError) Is(target error) bool {
	t, ok := target.(*baseError)
	if !ok {
		return false
	}
	return t.code == e.code
}

// NewError creates a new SecurityError with the specified parameters
func NewError(code Code, httpStatus int, description, message string) SecurityError {
	return &baseError{
		code:        code,
		httpStatus:  httpStatus,
		description: description,
		message:     message,
		metadata:    make(map[string]interface{}),
	}
}

// ================================================================================
// Taxonomy Constructors
// ================================================================================

// ErrAuthenticationFailed covers bad credentials, invalid or expired tokens and locked
// accounts. The reason is kept internal and never rendered to clients.
func ErrAuthenticationFailed(reason string) SecurityError {
	return NewError(CodeAuthenticationFailed, http.StatusUnauthorized, authFailedMessage, authFailedMessage).
		WithMetadata("reason", reason)
}

// ErrAuthorizationDenied is returned when no permission, policy or grant allows the action.
func ErrAuthorizationDenied(subjectID, resource, action string) SecurityError {
	return NewError(
		CodeAuthorizationDenied,
		http.StatusForbidden,
		"access to the requested resource is denied",
		fmt.Sprintf("subject %s may not %s %s", subjectID, action, resource),
	).WithMetadata("resource", resource).WithMetadata("action", action)
}

// ErrKeyUnavailable is fatal for the request and never falls back to a weaker key.
func ErrKeyUnavailable(message string) SecurityError {
	return NewError(
		CodeKeyUnavailable,
		http.StatusServiceUnavailable,
		"key material is unavailable",
		message,
	)
}

// ErrIntegrityViolation reports an authentication failure during decryption or chain
// verification. No partial plaintext accompanies it.
func ErrIntegrityViolation(message string) SecurityError {
	return NewError(
		CodeIntegrityViolation,
		http.StatusInternalServerError,
		"integrity check failed",
		message,
	)
}

// ErrRateLimited carries enough information for the caller to retry later.
func ErrRateLimited(action string, limit int, retryAfter time.Duration) SecurityError {
	return NewError(
		CodeRateLimited,
		http.StatusTooManyRequests,
		"rate limit exceeded, retry later",
		fmt.Sprintf("rate limit exceeded for action %q: %d requests", action, limit),
	).WithMetadata("action", action).
		WithMetadata("limit", limit).
		WithMetadata("retry_after_seconds", int(retryAfter.Round(time.Second).Seconds()))
}

// ErrBlocked is returned when a WAF rule, IP block or allow-list rejects a request.
func ErrBlocked(reason string) SecurityError {
	return NewError(
		CodeBlocked,
		http.StatusForbidden,
		"request blocked",
		reason,
	).WithMetadata("reason", reason)
}

// ErrComplianceViolation reports an attempted mutation of the audit trail.
func ErrComplianceViolation(message string) SecurityError {
	return NewError(
		CodeComplianceViolation,
		http.StatusConflict,
		"operation violates audit immutability",
		message,
	)
}

// ErrInvalidRequest creates an invalid_request error
func ErrInvalidRequest(message string) SecurityError {
	return NewError(CodeInvalidRequest, http.StatusBadRequest, "the request is malformed", message)
}

// ErrNotFound creates a not_found error
func ErrNotFound(kind, id string) SecurityError {
	return NewError(
		CodeNotFound,
		http.StatusNotFound,
		fmt.Sprintf("%s not found", kind),
		fmt.Sprintf("%s not found: %s", kind, id),
	).WithMetadata("id", id)
}

// ErrConflict creates a conflict error
func ErrConflict(message string) SecurityError {
	return NewError(CodeConflict, http.StatusConflict, "the request conflicts with current state", message)
}

// ErrInternal creates an internal_error error
func ErrInternal(message string) SecurityError {
	return NewError(CodeInternal, http.StatusInternalServerError, "an unexpected error occurred", message)
}

// Wrap wraps a generic error into a SecurityError of the given code.
func Wrap(err error, code Code, message string) SecurityError {
	var se SecurityError
	switch code {
	case CodeAuthenticationFailed:
		se = ErrAuthenticationFailed(message)
	case CodeKeyUnavailable:
		se = ErrKeyUnavailable(message)
	case CodeIntegrityViolation:
		se = ErrIntegrityViolation(message)
	case CodeInvalidRequest:
		se = ErrInvalidRequest(message)
	case CodeConflict:
		se = ErrConflict(message)
	default:
		se = ErrInternal(message)
	}
	return se.WithCause(err)
}

// ================================================================================
// Inspection Helpers
// ================================================================================

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New returns a plain error with the given text.
func New(text string) error { return stderrors.New(text) }

// AsSecurityError finds the first SecurityError in err's chain.
func AsSecurityError(err error) (SecurityError, bool) {
	var se SecurityError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if se, ok := AsSecurityError(err); ok {
		return se.Code()
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether a caller may retry later (rate limits, lockouts surfaced
// as rate limits, transient key unavailability is not retried automatically).
func IsRetryable(err error) bool {
	return HasCode(err, CodeRateLimited)
}

// IsSecurityIncident reports whether err is non-recoverable and must be logged as an incident.
func IsSecurityIncident(err error) bool {
	code := CodeOf(err)
	return code == CodeIntegrityViolation || code == CodeKeyUnavailable || code == CodeComplianceViolation
}

// ================================================================================
// Error Response Builder
// ================================================================================

// ErrorResponse represents the JSON structure for error responses
type ErrorResponse struct {
	Error            string            `json:"error"`
	ErrorDescription string            `json:"error_description"`
	RetryAfter       int               `json:"retry_after,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
}

// ToErrorResponse converts any error to a caller-safe ErrorResponse.
// Internal messages and metadata never leave the process.
func ToErrorResponse(err error) (int, *ErrorResponse) {
	se, ok := AsSecurityError(err)
	if !ok {
		return http.StatusInternalServerError, &ErrorResponse{
			Error:            string(CodeInternal),
			ErrorDescription: "an unexpected error occurred",
		}
	}
	resp := &ErrorResponse{
		Error:            string(se.Code()),
		ErrorDescription: se.Description(),
	}
	if v, ok := se.Metadata()["retry_after_seconds"].(int); ok {
		resp.RetryAfter = v
	}
	// Field level validation messages are safe to echo back.
	if se.Code() == CodeInvalidRequest {
		if v, ok := se.Metadata()["fields"].(map[string]string); ok {
			resp.Fields = v
		}
	}
	return se.HTTPStatus(), resp
}
