package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by read accessors when no article matches.
	ErrNotFound = errors.New("article not found")
	// ErrConflict marks a URL claimed by a different article id in a concurrent transaction.
	ErrConflict = errors.New("article url conflict")
)

// InputError marks a malformed or incomplete raw article. Never retried.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid raw article: %s %s", e.Field, e.Message)
}

// TransientServiceError wraps a collaborator timeout, rate limit or 5xx.
type TransientServiceError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient service error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient service error: %v", e.Op, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// ValidationError marks a collaborator response with the wrong shape.
type ValidationError struct {
	Op      string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid response: %s", e.Op, e.Message)
}

// TerminalPairFailure records a (section, level) pair that exhausted its retries.
type TerminalPairFailure struct {
	Position int
	Level    Level
	Attempts int
	Err      error
}

func (e *TerminalPairFailure) Error() string {
	return fmt.Sprintf("section %d level %s failed after %d attempts: %v", e.Position, e.Level, e.Attempts, e.Err)
}

func (e *TerminalPairFailure) Unwrap() error { return e.Err }

// PersistenceError marks a transaction or connection failure. The whole run is rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsInput checks if an error is an InputError.
func IsInput(err error) bool {
	var target *InputError
	return errors.As(err, &target)
}

// IsTransient checks if an error is a TransientServiceError.
func IsTransient(err error) bool {
	var target *TransientServiceError
	return errors.As(err, &target)
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsPersistence checks if an error is a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// IsTerminalPair checks if an error is a TerminalPairFailure.
func IsTerminalPair(err error) bool {
	var target *TerminalPairFailure
	return errors.As(err, &target)
}

// IsRetryable reports whether a collaborator error deserves another attempt.
// Validation failures are retried like transient ones; cancellation never is.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return IsTransient(err) || IsValidation(err)
}
