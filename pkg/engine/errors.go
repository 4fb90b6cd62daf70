package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for polling and reporting decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on the next tick.
	// Examples: element not yet rendered, network timeouts, 5xx responses.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates the status backend asked the caller to slow down.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid policy, empty resource set, unknown workflow.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled indicates the caller cancelled the operation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewConfigurationError creates a permanent validation error raised before polling starts.
func NewConfigurationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeValidation,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError creates an error a sampler returns when the resource is not yet visible.
// The poller treats it as pending without counting a transient error.
func NewNotFoundError(resourceID string, err error) *EngineError {
	return &EngineError{
		Class:    ErrorClassTransient,
		Code:     ErrCodeNotFound,
		Message:  "resource not yet visible",
		Resource: resourceID,
		Err:      err,
	}
}

// NewCancelledError wraps a context error.
func NewCancelledError(operation string, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassCancelled,
		Code:      ErrCodeCancelled,
		Message:   "operation cancelled",
		Operation: operation,
		Err:       err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsConfiguration returns true if the error was raised while validating inputs,
// before any sample was taken.
func IsConfiguration(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		switch e.Code {
		case ErrCodeValidation, ErrCodeEmptyResourceSet, ErrCodeInvalidPolicy:
			return true
		}
	}
	return false
}

// IsCancelled returns true if the error is a cancellation, classified or raw.
func IsCancelled(err error) bool {
	if c, ok := classOf(err); ok && c == ErrorClassCancelled {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound returns true if the error reports a resource that is not yet visible.
func IsNotFound(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsRetryable returns true if polling may try again after the error.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeEmptyResourceSet = "EMPTY_RESOURCE_SET"
	ErrCodeInvalidPolicy    = "INVALID_POLICY"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeSampleFailed     = "SAMPLE_FAILED"
	ErrCodeRefreshFailed    = "REFRESH_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeCancelled        = "CANCELLED"
)
