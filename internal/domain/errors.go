package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that is not PENDING
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrInvalidTransition is returned when a status write does not start from the expected state
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobNotReady is returned when an artifact is requested before the job completed
	ErrJobNotReady = errors.New("job is not completed")

	// ErrArtifactMissing is returned when a job's physical artifact no longer exists
	ErrArtifactMissing = errors.New("artifact missing")

	// ErrQueueFull is returned when the worker pool cannot accept more jobs
	ErrQueueFull = errors.New("worker queue is full")

	// ErrInvalidMessage is returned when a queued job message is malformed
	ErrInvalidMessage = errors.New("invalid job message")
)

// ValidationError reports bad caller input. The job is never created or changed.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error for a field
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConversionError wraps a strategy failure. It ends up in the job's error_detail.
type ConversionError struct {
	Strategy string
	Err      error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed (%s): %v", e.Strategy, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// StorageError wraps a failure touching a physical artifact
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
