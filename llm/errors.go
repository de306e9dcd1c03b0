package llm

import (
	"errors"
	"fmt"
)

// Error types for classifying model-service errors.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

var (
	// ErrEmptyResponse is returned when the service answered without text.
	ErrEmptyResponse = errors.New("model returned no text")

	// ErrCircuitOpen is returned when the endpoint is failing and its
	// recovery timeout has not elapsed.
	ErrCircuitOpen = errors.New("endpoint circuit open")
)

// InvocationError is the single error type Invoke returns. It records which
// model was asked and how many attempts were made.
type InvocationError struct {
	Model    string
	Provider string
	Attempts int
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoke %s/%s after %d attempt(s): %v", e.Provider, e.Model, e.Attempts, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsInvocationError reports whether err is, or wraps, an InvocationError.
func IsInvocationError(err error) bool {
	var inv *InvocationError
	return errors.As(err, &inv)
}
