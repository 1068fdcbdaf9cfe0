// Package errors defines the closed error taxonomy of the sync core.
// Every failure surfaced by the HTTP client, queue, transaction log or
// engine is one of the kinds below; retry and reconciliation decisions
// are made on the kind, never on error strings.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors
var (
	// ErrQueueEmpty indicates the pending queue holds no operation
	ErrQueueEmpty = errors.New("pending queue empty")

	// ErrTxnClosed indicates a write was staged on a committed or rolled-back transaction
	ErrTxnClosed = errors.New("transaction already closed")
)

// Kind is the machine-readable error classification.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuth             Kind = "auth"
	KindPermissionDenied Kind = "permission_denied"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindRetryable        Kind = "retryable"
	KindServer           Kind = "server"
	KindNetwork          Kind = "network"
	KindInternal         Kind = "internal"
)

// BaseError provides common fields for all error kinds.
type BaseError struct {
	// Kind is the taxonomy bucket this error belongs to
	Kind Kind

	// Message is a human-readable error message
	Message string

	// StatusCode is the originating HTTP status, if any (0 otherwise)
	StatusCode int

	// Timestamp is when the error occurred
	Timestamp time.Time

	// Details provides additional error context
	Details map[string]interface{}

	// Cause is the underlying error, if any
	Cause error

	// Retryable indicates if the operation can be retried
	Retryable bool

	// RetryAfter is the server-suggested retry delay, if supplied
	RetryAfter *time.Duration
}

// Error implements the error interface.
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// base lets the classification helpers reach the shared fields through
// any concrete kind via interface matching; embedding alone does not
// satisfy errors.As against *BaseError.
func (e *BaseError) base() *BaseError { return e }

// Summary returns a compact diagnostic suitable for persisting on a
// pending operation's last_error field.
func (e *BaseError) Summary() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (http %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithDetail adds a detail to the error.
func (e *BaseError) WithDetail(key string, value interface{}) *BaseError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause adds an underlying cause to the error.
func (e *BaseError) WithCause(cause error) *BaseError {
	e.Cause = cause
	return e
}

// WithStatus records the originating HTTP status code.
func (e *BaseError) WithStatus(code int) *BaseError {
	e.StatusCode = code
	return e
}

// WithRetryAfter records the server-suggested retry delay.
func (e *BaseError) WithRetryAfter(after time.Duration) *BaseError {
	e.RetryAfter = &after
	return e
}

func newBase(kind Kind, message string, retryable bool) *BaseError {
	return &BaseError{
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// ValidationError indicates the server rejected the payload (HTTP 400)
// or the core rejected an operation before enqueue. Permanent.
type ValidationError struct {
	*BaseError

	// Field is the first offending field reported by the server, if any
	Field string

	// FieldErrors maps field names to server-reported error codes
	FieldErrors map[string]string
}

// NewValidationError creates a new validation error.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{BaseError: newBase(KindValidation, message, false)}
}

func (e *ValidationError) Error() string {
	base := e.BaseError.Error()
	if e.Field != "" {
		base = fmt.Sprintf("%s (field: %s)", base, e.Field)
	}
	return base
}

// WithFields records the server's field error map; the first entry (in
// iteration order of the supplied map) becomes Field.
func (e *ValidationError) WithFields(fields map[string]string) *ValidationError {
	e.FieldErrors = fields
	for name := range fields {
		e.Field = name
		break
	}
	return e
}

// AuthError indicates the bearer token was rejected (HTTP 401) and a
// refresh either was not attempted or did not help.
type AuthError struct {
	*BaseError

	// RequiresLogin is true when the server demands interactive re-auth
	RequiresLogin bool
}

// NewAuthError creates a new auth error.
func NewAuthError(message string, requiresLogin bool) *AuthError {
	e := &AuthError{BaseError: newBase(KindAuth, message, false)}
	e.RequiresLogin = requiresLogin
	return e
}

// PermissionDeniedError indicates HTTP 403. Permanent.
type PermissionDeniedError struct {
	*BaseError
}

// NewPermissionDeniedError creates a new permission denied error.
func NewPermissionDeniedError(message string) *PermissionDeniedError {
	return &PermissionDeniedError{BaseError: newBase(KindPermissionDenied, message, false)}
}

// ResourceNotFoundError indicates HTTP 404. Permanent for GET/UPDATE;
// the reconciler upgrades it to success for DELETE.
type ResourceNotFoundError struct {
	*BaseError

	// ResourceID identifies the missing resource when the server reports it
	ResourceID string
}

// NewResourceNotFoundError creates a new not-found error.
func NewResourceNotFoundError(message, resourceID string) *ResourceNotFoundError {
	e := &ResourceNotFoundError{BaseError: newBase(KindNotFound, message, false)}
	e.ResourceID = resourceID
	return e
}

// ConflictError indicates HTTP 409. It carries the raw response body so
// the reconciler can resolve by conflict type.
type ConflictError struct {
	*BaseError

	// ConflictType is the server's conflict classification
	// (version_mismatch, duplicate, constraint_violation, ...)
	ConflictType string

	// ServerVersion is the server-side entity version, when reported
	ServerVersion interface{}

	// ClientVersion is the version the client submitted, when reported
	ClientVersion interface{}

	// Body is the decoded 409 response body
	Body map[string]interface{}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message, conflictType string) *ConflictError {
	e := &ConflictError{BaseError: newBase(KindConflict, message, false)}
	e.ConflictType = conflictType
	return e
}

func (e *ConflictError) Error() string {
	base := e.BaseError.Error()
	if e.ConflictType != "" {
		base = fmt.Sprintf("%s (conflict: %s)", base, e.ConflictType)
	}
	return base
}

// WithVersions records the server and client entity versions.
func (e *ConflictError) WithVersions(server, client interface{}) *ConflictError {
	e.ServerVersion = server
	e.ClientVersion = client
	return e
}

// WithBody attaches the decoded 409 response body.
func (e *ConflictError) WithBody(body map[string]interface{}) *ConflictError {
	e.Body = body
	return e
}

// RetryableError indicates HTTP 429 or 503: the server explicitly asked
// the client to come back later.
type RetryableError struct {
	*BaseError
}

// NewRetryableError creates a new retryable error; retryAfter may be
// zero when the server sent no Retry-After header.
func NewRetryableError(message string, retryAfter time.Duration) *RetryableError {
	e := &RetryableError{BaseError: newBase(KindRetryable, message, true)}
	if retryAfter > 0 {
		e.RetryAfter = &retryAfter
	}
	return e
}

// ServerError indicates an unexpected 5xx. Retried with backoff.
type ServerError struct {
	*BaseError
}

// NewServerError creates a new server error.
func NewServerError(message string, status int) *ServerError {
	e := &ServerError{BaseError: newBase(KindServer, message, true)}
	e.StatusCode = status
	return e
}

// NetworkError indicates the request never produced an HTTP response:
// connection refused, DNS failure, timeout. Retried with backoff and
// counted against the circuit breaker.
type NetworkError struct {
	*BaseError
}

// NewNetworkError creates a new network error.
func NewNetworkError(message string, cause error) *NetworkError {
	e := &NetworkError{BaseError: newBase(KindNetwork, message, true)}
	e.Cause = cause
	return e
}

// InternalError indicates a core-side defect: undecodable response body,
// corrupt persisted record, schema mismatch. Permanent.
type InternalError struct {
	*BaseError
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *InternalError {
	e := &InternalError{BaseError: newBase(KindInternal, message, false)}
	e.Cause = cause
	return e
}
