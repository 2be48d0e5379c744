package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrValidation     = errors.New("validation failed")
	ErrInvalidAddress = errors.New("invalid address")
	ErrLockHeld       = errors.New("lock already held")

	// ErrFeedUnavailable marks a price sample that could not be obtained.
	// The engine skips the affected group for the tick.
	ErrFeedUnavailable = errors.New("price feed unavailable")

	// ErrConcurrentModification is returned to the loser of a status CAS.
	// It is a benign "already resolved" outcome, not a fault.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrTooLate is returned when a cancellation loses the race against a
	// trigger.
	ErrTooLate = fmt.Errorf("too late: %w", ErrConcurrentModification)

	ErrNotTerminal      = errors.New("strategy is not in a terminal state")
	ErrPendingExecution = errors.New("strategy already has a pending execution")
	ErrTransientFailure = errors.New("transient submission failure")
	ErrPermanentFailure = errors.New("permanent submission failure")
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)

// ValidationError describes a malformed strategy parameter.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// SubmissionKind classifies a failed submission.
type SubmissionKind string

const (
	SubmissionTransient SubmissionKind = "transient"
	SubmissionPermanent SubmissionKind = "permanent"
)

// SubmissionError is returned by LedgerSubmitter implementations to classify
// a failed submission.
type SubmissionError struct {
	Kind   SubmissionKind
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s submission failure: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s submission failure: %s", e.Kind, e.Reason)
}

func (e *SubmissionError) Unwrap() []error {
	sentinel := ErrTransientFailure
	if e.Kind == SubmissionPermanent {
		sentinel = ErrPermanentFailure
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Transient builds a retryable submission error.
func Transient(reason string, err error) error {
	return &SubmissionError{Kind: SubmissionTransient, Reason: reason, Err: err}
}

// Permanent builds a non-retryable submission error.
func Permanent(reason string, err error) error {
	return &SubmissionError{Kind: SubmissionPermanent, Reason: reason, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors
// and deadline overruns are treated as transient.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrPermanentFailure)
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// FailureReason extracts a short human-readable reason from err.
func FailureReason(err error) string {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
