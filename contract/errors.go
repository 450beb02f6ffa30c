/*
errors.go - Centralized error types for the contract engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Packages wrap these with context (fmt.Errorf("...: %w", err)) and callers
  branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation - bad input or a business rule violation (HTTP 400)
  2. Conflict - optimistic revision check failed; retryable (HTTP 409)
  3. Already processed - payment decision already recorded (HTTP 409)
  4. Terminal state - contract accepts no further changes (HTTP 422)
  5. Not found - contract or payment missing (HTTP 404)
  6. Notifier - reminder dispatch failed; counted by the sweep, never fatal

SEE ALSO:
  - store.go: Stores return ErrConflict / not-found errors
  - ledger/ledger.go: Retries ErrConflict, surfaces the rest
  - api/handlers.go: Maps categories to HTTP status codes
*/
package contract

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input or rule violations.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when the contract revision advanced between
	// read and write. Safe to retry the whole operation.
	ErrConflict = errors.New("concurrent modification detected")

	// ErrAlreadyProcessed is returned when a payment already has a decision.
	ErrAlreadyProcessed = errors.New("payment already processed")

	// ErrTerminalState is returned when a contract is completed, redeemed,
	// forfeited or cancelled.
	ErrTerminalState = errors.New("contract is in a terminal state")

	ErrContractNotFound = errors.New("contract not found")
	ErrPaymentNotFound  = errors.New("payment not found")

	// ErrDuplicateReminder is returned when a dedup marker already exists
	// for the (contract, due date) bucket.
	ErrDuplicateReminder = errors.New("reminder already sent for due date")

	// ErrDuplicateReference is returned when a payment reference code collides.
	ErrDuplicateReference = errors.New("duplicate payment reference")

	ErrNotifier = errors.New("notifier failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports a failed revision check.
type ConflictError struct {
	ContractID       ContractID
	ExpectedRevision int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("contract %s modified concurrently (expected revision %d)",
		e.ContractID, e.ExpectedRevision)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// AlreadyProcessedError reports the decision that already exists.
type AlreadyProcessedError struct {
	PaymentID PaymentID
	Status    PaymentStatus
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("payment %s already %s", e.PaymentID, e.Status)
}

func (e *AlreadyProcessedError) Unwrap() error { return ErrAlreadyProcessed }

// TerminalStateError reports the terminal status that blocked the change.
type TerminalStateError struct {
	ContractID ContractID
	Status     Status
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("contract %s is %s", e.ContractID, e.Status)
}

func (e *TerminalStateError) Unwrap() error { return ErrTerminalState }

// NotifierError wraps a channel failure for one contract.
type NotifierError struct {
	ContractID ContractID
	Channel    string
	Err        error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("notify %s via %s: %v", e.ContractID, e.Channel, e.Err)
}

func (e *NotifierError) Unwrap() []error { return []error{ErrNotifier, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrTerminalState) ||
		errors.Is(err, ErrDuplicateReference)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrPaymentNotFound)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
