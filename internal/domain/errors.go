package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates the caller carried no identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized indicates the caller is not a workspace member or its
	// role does not allow the action.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound indicates the run or workspace does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status change not permitted by the
	// run state graph.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrValidation indicates a field violates its constraints.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates the run was modified by another writer between
	// the read and the conditional write.
	ErrConflict = errors.New("conflict: run was modified concurrently")

	// ErrRateLimited indicates the caller started too many runs recently.
	ErrRateLimited = errors.New("rate limited")
)

// TransitionError is returned when a status change is rejected.
type TransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *TransitionError) Error() string {
	return TransitionErrorMessage(e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
