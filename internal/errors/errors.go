// Package errors defines the structured error model shared by the HTTP API
// and the event consumers. Every failure carries an ErrorType that maps to an
// HTTP status for API handlers and to a retry decision for consumers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType classifies a failure. The type decides the HTTP status of an API
// response and whether a consumer nacks the message for redelivery.
type ErrorType string

const (
	// Request-shaped failures surfaced by the HTTP API.
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"

	// Infrastructure failures. All of these are worth retrying.
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeStateStore ErrorType = "state_store"
	ErrorTypeTransient  ErrorType = "transient_io"

	// Event-pipeline failures.
	ErrorTypeBadEvent  ErrorType = "bad_event"
	ErrorTypeDuplicate ErrorType = "duplicate_delivery"
	ErrorTypeProvider  ErrorType = "provider"
)

var httpStatusByType = map[ErrorType]int{
	ErrorTypeValidation:     http.StatusBadRequest,
	ErrorTypeBadEvent:       http.StatusBadRequest,
	ErrorTypeAuthentication: http.StatusUnauthorized,
	ErrorTypeAuthorization:  http.StatusForbidden,
	ErrorTypeNotFound:       http.StatusNotFound,
	ErrorTypeConflict:       http.StatusConflict,
	ErrorTypeDuplicate:      http.StatusConflict,
	ErrorTypeStateStore:     http.StatusServiceUnavailable,
	ErrorTypeTransient:      http.StatusServiceUnavailable,
	ErrorTypeProvider:       http.StatusBadGateway,
}

func defaultHTTPStatus(errorType ErrorType) int {
	if status, ok := httpStatusByType[errorType]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// AppError is the error value the rest of the codebase produces and inspects.
// The JSON-tagged fields form the API error body; Cause, HTTPStatus and
// Permanent stay server-side.
type AppError struct {
	Type          ErrorType              `json:"type"`
	Code          string                 `json:"code"`
	Message       string                 `json:"message"`
	Details       string                 `json:"details,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Cause         error                  `json:"-"`
	HTTPStatus    int                    `json:"-"`
	Permanent     bool                   `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCorrelationID stamps the request's correlation ID onto the error.
func (e *AppError) WithCorrelationID(correlationID string) *AppError {
	e.CorrelationID = correlationID
	return e
}

// WithMetadata attaches a key/value pair that ends up in the API error body
// and in the structured log entry.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewAppError builds an error of the given type with its default HTTP status.
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Timestamp:  time.Now().UTC(),
		HTTPStatus: defaultHTTPStatus(errorType),
	}
}

// NewAppErrorWithCause wraps cause so errors.Is and errors.As see through the
// AppError. The cause's text doubles as the details field.
func NewAppErrorWithCause(errorType ErrorType, code, message string, cause error) *AppError {
	err := NewAppError(errorType, code, message)
	err.Cause = cause
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError reports a request field that failed validation.
func NewValidationError(field, message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message).
		WithMetadata("field", field)
}

// NewAuthenticationError reports a missing or unusable identity.
func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTH_ERROR", message)
}

// NewAuthorizationError reports an identity that may not touch the resource.
func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHZ_ERROR", message)
}

// NewNotFoundError reports a resource that does not exist (or is not visible
// to the caller, which the API reports identically).
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource)).
		WithMetadata("resource", resource)
}

// NewConflictError reports a request that lost a state race, such as
// completing an already-completed task.
func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeInternal, "INTERNAL_ERROR", message, cause)
}

// NewDatabaseError wraps a failed database operation.
func NewDatabaseError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeDatabase, "DATABASE_ERROR",
		fmt.Sprintf("Database operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewStateStoreError wraps a failed state store operation.
func NewStateStoreError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeStateStore, "STATE_STORE_ERROR",
		fmt.Sprintf("State store operation failed: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewTransientError wraps an I/O failure that a retry can outlive, such as a
// publish that timed out.
func NewTransientError(operation string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeTransient, "TRANSIENT_IO",
		fmt.Sprintf("Transient failure: %s", operation), cause).
		WithMetadata("operation", operation)
}

// NewBadEventError marks a message as undeliverable. Consumers reject these
// instead of nacking, so the broker never redelivers them.
func NewBadEventError(reason string, cause error) *AppError {
	return NewAppErrorWithCause(ErrorTypeBadEvent, "BAD_EVENT",
		fmt.Sprintf("Undeliverable event: %s", reason), cause).
		WithMetadata("reason", reason)
}

// NewDuplicateDeliveryError marks a redelivery caught by a dedup marker.
// Handlers return it so the runtime acks without repeating the side effect.
func NewDuplicateDeliveryError(marker string) *AppError {
	return NewAppError(ErrorTypeDuplicate, "DUPLICATE_DELIVERY", "Event already processed").
		WithMetadata("marker", marker)
}

// NewProviderError wraps a notification provider failure. Permanent failures
// (bad credentials, rejected recipient) are recorded and acked; the rest are
// nacked for redelivery.
func NewProviderError(provider, operation string, cause error, permanent bool) *AppError {
	err := NewAppErrorWithCause(ErrorTypeProvider, "PROVIDER_ERROR",
		fmt.Sprintf("Provider call failed: %s", provider), cause).
		WithMetadata("provider", provider).
		WithMetadata("operation", operation)
	err.Permanent = permanent
	return err
}

// IsErrorType reports whether err is an AppError of the given type, looking
// through any wrapping.
func IsErrorType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable reports whether redelivering the message that produced err can
// succeed. Unknown errors count as retryable so the broker redelivers them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return true
	}
	switch appErr.Type {
	case ErrorTypeValidation, ErrorTypeBadEvent, ErrorTypeDuplicate,
		ErrorTypeNotFound, ErrorTypeAuthorization, ErrorTypeAuthentication,
		ErrorTypeConflict:
		return false
	case ErrorTypeProvider:
		return !appErr.Permanent
	default:
		return true
	}
}
