// Package shared contains common domain types, errors and events
// used across the progression domain. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrFutureTimestamp = errors.New("timestamp cannot be in the future")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrClosed       = errors.New("closed for writes")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")

	// Concurrency errors
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrLockTimeout            = errors.New("lock wait timeout")
	ErrTransient              = errors.New("temporary failure, try again")
	ErrInProgress             = errors.New("operation already in progress")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progression", "badge", "leaderboard"
	Op      string // Operation that failed, e.g., "RecordEvent"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progression domain errors
var (
	ErrLearnerNotFound   = NewDomainError("progression", "Find", ErrNotFound, "learner not found")
	ErrInvalidLearnerID  = NewDomainError("progression", "Validate", ErrInvalidID, "learner id must be positive")
	ErrUnknownSource     = NewDomainError("progression", "Validate", ErrInvalidInput, "unknown xp source")
	ErrInvalidAmount     = NewDomainError("progression", "Validate", ErrValueOutOfRange, "invalid xp amount for source")
	ErrNegativeTotal     = NewDomainError("progression", "Validate", ErrNegativeValue, "adjustment would make total xp negative")
	ErrEventInFuture     = NewDomainError("progression", "Validate", ErrFutureTimestamp, "event occurred in the future")
	ErrInvalidTimezone   = NewDomainError("progression", "Validate", ErrInvalidInput, "unknown timezone")
	ErrLearnerBusy       = NewDomainError("progression", "Lock", ErrLockTimeout, "learner is busy")
	ErrDailyGoalClosed   = NewDomainError("dailygoal", "Apply", ErrClosed, "daily goal date has passed")
	ErrBadgeNotFound     = NewDomainError("badge", "Find", ErrNotFound, "badge not found")
	ErrBadgeNotAwarded   = NewDomainError("badge", "Acknowledge", ErrNotFound, "badge not awarded to learner")
	ErrInvalidTimeRange  = NewDomainError("leaderboard", "Validate", ErrInvalidInput, "invalid leaderboard time range")
	ErrRecalcInProgress  = NewDomainError("recalculation", "Run", ErrInProgress, "recalculation already running")
	ErrInvalidCatalogue  = NewDomainError("badge", "LoadCatalogue", ErrValidation, "invalid badge catalogue")
	ErrMalformedProfile  = NewDomainError("progression", "Load", ErrInvalidState, "malformed progression profile")
	ErrTryAgain          = NewDomainError("progression", "RecordEvent", ErrTransient, "please try again")
	ErrAdminUnauthorized = NewDomainError("admin", "Authorize", ErrUnauthorized, "invalid admin token")
	ErrNoStreakFreeze    = NewDomainError("streak", "UseFreeze", ErrInvalidState, "no streak freeze available")
	ErrStreakNotAtRisk   = NewDomainError("streak", "UseFreeze", ErrInvalidState, "streak is not at risk")
	ErrStreakLost        = NewDomainError("streak", "UseFreeze", ErrInvalidState, "streak can no longer be recovered")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrFutureTimestamp)
}

// IsConflict checks if the error signals a state or concurrency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, ErrInProgress) ||
		errors.Is(err, ErrInvalidState)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// IsTransient checks if the caller should simply try again later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || IsRetryable(err)
}
