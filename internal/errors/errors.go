package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"time"
)

// Error types for the sync taxonomy
type ErrorType string

const (
	ErrorTypeTransientNetwork    ErrorType = "transient_network"
	ErrorTypeRateLimited         ErrorType = "rate_limited"
	ErrorTypeZoneBusy            ErrorType = "zone_busy"
	ErrorTypeAccountUnavailable  ErrorType = "account_unavailable"
	ErrorTypeVersionConflict     ErrorType = "version_conflict"
	ErrorTypeSchemaMismatch      ErrorType = "schema_mismatch"
	ErrorTypeUnresolvedReference ErrorType = "unresolved_reference"
	ErrorTypeFatal               ErrorType = "fatal"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeStorage             ErrorType = "storage"
	ErrorTypeConfiguration       ErrorType = "configuration"
	ErrorTypeCancelled           ErrorType = "cancelled"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	// RetryAfter is the server-suggested delay, zero when none was given.
	RetryAfter time.Duration
	Stack      []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRetryAfter records a server-suggested backoff.
func (e *StructuredError) WithRetryAfter(d time.Duration) *StructuredError {
	e.RetryAfter = d
	return e
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// NewTransientNetworkError creates a transient network error
func NewTransientNetworkError(operation, message string) *StructuredError {
	return New(ErrorTypeTransientNetwork, operation, message)
}

// NewRateLimitedError creates a rate-limit error carrying the server-suggested delay
func NewRateLimitedError(operation string, retryAfter time.Duration) *StructuredError {
	return New(ErrorTypeRateLimited, operation, "request rate limited").WithRetryAfter(retryAfter)
}

// NewAccountUnavailableError creates an account error
func NewAccountUnavailableError(operation, message string) *StructuredError {
	return New(ErrorTypeAccountUnavailable, operation, message)
}

// NewVersionConflictError creates a version conflict error
func NewVersionConflictError(operation, message string) *StructuredError {
	return New(ErrorTypeVersionConflict, operation, message)
}

// NewSchemaMismatchError creates a schema mismatch error
func NewSchemaMismatchError(operation, message string) *StructuredError {
	return New(ErrorTypeSchemaMismatch, operation, message)
}

// NewUnresolvedReferenceError creates an unresolved reference error
func NewUnresolvedReferenceError(operation, message string) *StructuredError {
	return New(ErrorTypeUnresolvedReference, operation, message)
}

// NewFatalError creates a terminal error
func NewFatalError(operation, message string) *StructuredError {
	return New(ErrorTypeFatal, operation, message)
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string) *StructuredError {
	return New(ErrorTypeConfiguration, operation, message)
}

// WrapTransientNetworkError wraps an error as a transient network error
func WrapTransientNetworkError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeTransientNetwork, operation, message)
}

// WrapStorageError wraps an error as a storage error
func WrapStorageError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeStorage, operation, message)
}

// WrapFatalError wraps an error as a terminal error
func WrapFatalError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeFatal, operation, message)
}

// WrapSchemaMismatchError wraps an error as a schema mismatch
func WrapSchemaMismatchError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeSchemaMismatch, operation, message)
}

// TypeOf returns the type of the outermost StructuredError in the chain.
// Errors without one are classified first.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return Classify(err).Type
}

// Is reports whether err carries the given type.
func Is(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsRetryable reports whether an operation failing with err may run again.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeTransientNetwork, ErrorTypeRateLimited, ErrorTypeZoneBusy:
		return true
	}
	return false
}

// IsDeferrable reports whether the affected record should wait for the next cycle.
func IsDeferrable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeSchemaMismatch, ErrorTypeUnresolvedReference:
		return true
	}
	return false
}

// RetryAfter returns the server-suggested delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var se *StructuredError
	if stderrors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

// Classify converts an arbitrary error into a StructuredError. Errors that
// already carry a type are returned unchanged.
func Classify(err error) *StructuredError {
	if err == nil {
		return nil
	}
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se
	}
	if stderrors.Is(err, context.Canceled) {
		return Wrap(err, ErrorTypeCancelled, "classify", "operation cancelled")
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrorTypeTransientNetwork, "classify", "deadline exceeded")
	}
	if se := fromStatus(err); se != nil {
		return se
	}
	return Wrap(err, ErrorTypeFatal, "classify", "unclassified error")
}
