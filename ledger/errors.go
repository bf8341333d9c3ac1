/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers distinguish "your request was invalid" from "the system failed"
  with errors.Is against the sentinels below.

ERROR CATEGORIES:
  1. Validation errors - Missing or malformed input (field-level)
  2. Policy errors - Claim above the configured ceiling
  3. Balance errors - Withdrawal above the available balance
  4. Internal errors - Store failures and other unexpected conditions

NOT AN ERROR:
  Completing an unknown or already-completed withdrawal is a no-op that
  reports false. Completion is best effort, at most once.

USAGE:
  var ib *ledger.InsufficientBalanceError
  if errors.As(err, &ib) {
      fmt.Println("available:", ib.Available)
  }

SEE ALSO:
  - claim.go, withdrawal.go: Produce these errors at admission
  - api/handlers.go: Maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when an input field is missing or malformed.
	ErrValidation = errors.New("validation failed")

	// ErrPolicyLimitExceeded is returned when a claim is above the ceiling.
	ErrPolicyLimitExceeded = errors.New("policy limit exceeded")

	// ErrInsufficientBalance is returned when a withdrawal exceeds the
	// contractor's available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInternal marks failures that are not the caller's fault.
	ErrInternal = errors.New("internal error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// PolicyLimitError reports a claim above the configured ceiling.
type PolicyLimitError struct {
	Limit     Money
	Requested Money
}

func (e *PolicyLimitError) Error() string {
	return fmt.Sprintf("amount %s exceeds maximum claim limit of %s",
		FormatMoney(e.Requested), FormatMoney(e.Limit))
}

func (e *PolicyLimitError) Unwrap() error { return ErrPolicyLimitExceeded }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	ContractorID ContractorID
	Available    Money
	Requested    Money
	Shortfall    Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		FormatMoney(e.Available), FormatMoney(e.Requested), FormatMoney(e.Shortfall))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// InternalError wraps a backend failure. errors.Is(err, ErrInternal) holds
// and the original cause stays reachable through Unwrap.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Is(target error) bool { return target == ErrInternal }

// Internal wraps err as an InternalError unless it already is a domain or
// internal error. Returns nil for a nil err.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || errors.Is(err, ErrInternal) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrPolicyLimitExceeded) ||
		errors.Is(err, ErrInsufficientBalance)
}

// IsInternal returns true if the error is a system failure.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}
