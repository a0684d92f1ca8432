// Package errors provides a lightweight structured error type (MirrorError)
// for category-based classification of failures in the mirror pipeline.
// Categories map onto the orchestrator's error boundaries: a Config or Lock
// error aborts the run, a Repository error aborts the project, a Resolution
// error abandons the branch, a Publication error aborts that mirror's
// publish step.
package errors

import "fmt"

// ErrorCategory represents the category of a mirror error for classification.
type ErrorCategory string

const (
	CategoryConfig      ErrorCategory = "config"
	CategoryLock        ErrorCategory = "lock"
	CategoryRepository  ErrorCategory = "repository"
	CategoryResolution  ErrorCategory = "resolution"
	CategoryPublication ErrorCategory = "publication"
	CategoryInternal    ErrorCategory = "internal"
)

// MirrorError is a structured error with category and optional timeout flag.
type MirrorError struct {
	Category ErrorCategory
	Message  string
	Cause    error
	Timeout  bool
}

// Error implements the error interface.
func (e *MirrorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap implements error unwrapping.
func (e *MirrorError) Unwrap() error { return e.Cause }

// New creates a new MirrorError.
func New(category ErrorCategory, message string) *MirrorError {
	return &MirrorError{Category: category, Message: message}
}

// Wrap creates a new MirrorError that wraps an existing error.
func Wrap(err error, category ErrorCategory, message string) *MirrorError {
	return &MirrorError{Category: category, Message: message, Cause: err}
}

// WrapTimeout marks a wrapped error as a timeout, a distinct failure kind
// from ordinary command failure.
func WrapTimeout(err error, category ErrorCategory, message string) *MirrorError {
	return &MirrorError{Category: category, Message: message, Cause: err, Timeout: true}
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category ErrorCategory) bool {
	if me, ok := err.(*MirrorError); ok {
		return me.Category == category
	}
	return false
}

// GetCategory extracts the category from an error, or CategoryInternal if
// the error is not a MirrorError.
func GetCategory(err error) ErrorCategory {
	if me, ok := err.(*MirrorError); ok {
		return me.Category
	}
	return CategoryInternal
}

// IsTimeout reports whether the error was caused by an external-command timeout.
func IsTimeout(err error) bool {
	if me, ok := err.(*MirrorError); ok {
		return me.Timeout
	}
	return false
}
