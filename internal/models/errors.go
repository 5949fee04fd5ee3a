// -----------------------------------------------------------------------
// Error taxonomy - drives retry classification and broker ack decisions
// -----------------------------------------------------------------------

package models

import (
	"errors"
	"fmt"
)

// Registry misses. Neither is ever retried: redelivering a message for a
// type no process knows about just loops forever.
var (
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Store lookup misses
var (
	ErrJobNotFound  = errors.New("job not found")
	ErrTaskNotFound = errors.New("task not found")
)

// TransientError marks a failure as retryable: timeouts, connectivity,
// store unavailability. Transient errors propagate to the broker so its
// redelivery mechanism retries the message; everything else is settled
// in-process.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a retryable error
func Transientf(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether err is marked retryable
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentError marks a failure as not retryable: validation failures,
// business-rule violations. The task fails terminally on first occurrence.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error as not retryable
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a non-retryable error
func Permanentf(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is marked not retryable
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
