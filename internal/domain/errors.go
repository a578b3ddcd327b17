package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Store errors
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInconsistentState = errors.New("status update carries fields that do not match the status")

	// Gateway errors
	ErrInvalidAPIKey = errors.New("invalid API key")

	// Runner errors
	ErrRunnerClosed = errors.New("task runner is shutting down")
)

// ValidationError rejects a submission synchronously. Field names the first
// offending input.
type ValidationError struct {
	Field   string
	Missing bool
	Reason  string
}

func (e *ValidationError) Error() string {
	if e.Missing {
		return "Missing required field: " + e.Field
	}
	return fmt.Sprintf("Invalid value for field %s: %s", e.Field, e.Reason)
}

// ComputationError is an estimator failure. It is recorded on the task as
// FAILED and never returned to the submitter.
type ComputationError struct {
	Err error
}

func (e *ComputationError) Error() string { return "computation failed: " + e.Err.Error() }

func (e *ComputationError) Unwrap() error { return e.Err }

// DeliveryError is a failed attempt to hand a result to the main service.
// StatusCode is 0 for transport failures.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed with HTTP %d: %v", e.StatusCode, e.Err)
	}
	return "delivery failed: " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
