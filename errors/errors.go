// Package errors provides standardized error handling for FleetStream
// components. It includes error classification for the retry runner
// (retryable vs. permanent vs. cancelled vs. stream-break), protocol
// status codes that mark failures permanent, standard error variables,
// and helpers for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorRetryable represents temporary errors that may be retried
	ErrorRetryable ErrorClass = iota
	// ErrorPermanent represents errors that must never be retried
	ErrorPermanent
	// ErrorCancelled represents an external cancellation, not a failure
	ErrorCancelled
	// ErrorStreamBreak represents a mid-stream connection break that the
	// inner retry policy of a streaming runner handles
	ErrorStreamBreak
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorRetryable:
		return "retryable"
	case ErrorPermanent:
		return "permanent"
	case ErrorCancelled:
		return "cancelled"
	case ErrorStreamBreak:
		return "stream-break"
	case ErrorInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// StatusCode mirrors the protocol status codes that classify a failure as
// permanent. Any error carrying one of these codes aborts retrying.
type StatusCode int

const (
	// StatusNotFound indicates the requested entity does not exist
	StatusNotFound StatusCode = iota + 1
	// StatusInvalidArgument indicates a malformed request
	StatusInvalidArgument
	// StatusUnauthenticated indicates missing or invalid credentials
	StatusUnauthenticated
	// StatusFailedPrecondition indicates the system is in a state that
	// rejects the operation
	StatusFailedPrecondition
	// StatusCancelled indicates the operation was cancelled remotely
	StatusCancelled
)

// String returns the string representation of StatusCode
func (sc StatusCode) String() string {
	switch sc {
	case StatusNotFound:
		return "not-found"
	case StatusInvalidArgument:
		return "invalid-argument"
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusFailedPrecondition:
		return "failed-precondition"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Retry and connection errors
	ErrStreamBreak       = errors.New("stream break")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrShuttingDown      = errors.New("component is shutting down")

	// Queue errors
	ErrQueueFull    = errors.New("queue full")
	ErrQueueStopped = errors.New("queue stopped")

	// Session and connection registry errors
	ErrSessionNotFound    = errors.New("session not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAssetNotFound      = errors.New("asset not found")

	// Vendor and dispatch errors
	ErrVendorNotRegistered = errors.New("vendor not registered")
	ErrDuplicateVendor     = errors.New("vendor already registered")
	ErrHandlerMissing      = errors.New("message handler missing")

	// Codec errors
	ErrDecode            = errors.New("decode failed")
	ErrEncode            = errors.New("encode failed")
	ErrNoDecodableFields = errors.New("payload has no decodable fields")
	ErrUnsupportedCmd    = errors.New("unsupported command")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification and optional
// protocol status code.
type ClassifiedError struct {
	Class     ErrorClass
	Status    StatusCode // zero when no status applies
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// WithStatus attaches a protocol status code to an error, marking it
// permanent for retry purposes.
func WithStatus(err error, code StatusCode) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:  ErrorPermanent,
		Status: code,
		Err:    err,
	}
}

// StatusOf extracts the protocol status code from an error, if any.
func StatusOf(err error) (StatusCode, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Status != 0 {
		return ce.Status, true
	}
	return 0, false
}

// IsPermanent reports whether retrying err can never succeed. Any error
// carrying a protocol status code is permanent, as is an explicit
// permanent classification.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorPermanent || ce.Status != 0
	}
	return false
}

// IsCancelled reports whether err represents external cancellation.
// Context cancellation counts; deadline expiry does not (it is a
// retryable timeout).
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class == ErrorCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// IsStreamBreak reports whether err signals a mid-stream break that the
// inner policy of a streaming runner owns.
func IsStreamBreak(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.Class == ErrorStreamBreak {
		return true
	}
	return errors.Is(err, ErrStreamBreak)
}

// IsInvalid reports whether err is due to invalid input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrNoDecodableFields)
}

// IsRetryable reports whether err may succeed on retry. Unknown errors
// default to retryable so transient network failures are not dropped.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || IsCancelled(err) || IsInvalid(err) {
		return false
	}
	return true
}

// Classify returns the error class for an error. Unknown errors default
// to retryable.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorRetryable
	case IsCancelled(err):
		return ErrorCancelled
	case IsStreamBreak(err):
		return ErrorStreamBreak
	case IsPermanent(err):
		return ErrorPermanent
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorRetryable
	}
}

// newClassified creates a new classified error.
// Use the WrapX helpers instead of calling this directly.
func newClassified(class ErrorClass, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapRetryable wraps an error as retryable with context
func WrapRetryable(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorRetryable, Wrap(err, component, method, action), component, method)
}

// WrapPermanent wraps an error as permanent with context
func WrapPermanent(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorPermanent, Wrap(err, component, method, action), component, method)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, Wrap(err, component, method, action), component, method)
}

// WrapStreamBreak wraps an error as a stream break with context
func WrapStreamBreak(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorStreamBreak, Wrap(err, component, method, action), component, method)
}

// Cancelled marks an error as an external cancellation outcome.
func Cancelled(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ErrorCancelled, Err: err}
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
