package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminalPhase is returned when mutating a COMPLETED or ROLLED_BACK test.
	ErrTerminalPhase = errors.New("test is in a terminal phase")

	// ErrInvalidTransition is returned for moves outside the forward order.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrTestNotFound is returned for unknown test ids.
	ErrTestNotFound = errors.New("test not found")
)

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ValidationError rejects a single suggestion or test. Not retried.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Subject, e.Reason)
}

// InsufficientDataError means the test stays in its phase. Not a failure.
type InsufficientDataError struct {
	Reason string
}

func (e *InsufficientDataError) Error() string {
	return "insufficient data: " + e.Reason
}

// ExternalServiceError wraps a failed call to an external collaborator.
type ExternalServiceError struct {
	Service string
	Op      string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// RollbackExecutionError reports a failed revert of one change.
type RollbackExecutionError struct {
	TestID   string
	ChangeID string
	Err      error
}

func (e *RollbackExecutionError) Error() string {
	return fmt.Sprintf("revert change %s of test %s: %v", e.ChangeID, e.TestID, e.Err)
}

func (e *RollbackExecutionError) Unwrap() error { return e.Err }
