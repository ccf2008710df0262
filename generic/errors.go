/*
errors.go - Centralized error types for the rewards engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Workflow packages return these errors (or wrap them with context) so
  callers can tell "nothing happened, safe to retry" apart from
  "already done" and "rejected".

ERROR CATEGORIES:
  1. Idempotency - ErrDuplicateEvent (a normal outcome, not a fault)
  2. Spending    - ErrInsufficientBalance, ErrResourceUnavailable
  3. Validation  - Business rule violations (limits, bad input)
  4. Not found   - Missing reviews, referrals, plots
  5. Storage     - ErrStorageFailure (transport/database faults)

USAGE:
  res, err := coordinator.ApplyReward(ctx, reward)
  switch {
  case errors.Is(err, generic.ErrDuplicateEvent):
      // already applied, report the existing state
  case generic.IsRetryable(err):
      // the unit rolled back; re-check and retry
  }

SEE ALSO:
  - unit.go: Classifies failures into this taxonomy
  - ledger.go: Returns these errors
  - api/handlers.go: Maps them onto HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent is returned when (user, kind, key) was already applied.
	// This is the idempotency guarantee; callers treat it as "already done".
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInsufficientBalance is returned when a spend exceeds the spendable balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrResourceUnavailable is returned when a contended resource was
	// claimed by someone else first.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrStorageFailure is returned for any transport or database fault.
	// The unit of work has been rolled back.
	ErrStorageFailure = errors.New("storage failure")

	// ErrInvalidAmount is returned for negative reward deltas or non-positive spends.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidInput is returned when a request is malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when a status change does not match
	// the record's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	ErrReviewExists       = errors.New("review already exists for this product")
	ErrPendingReviewLimit = errors.New("too many pending reviews")
	ErrReviewNotFound     = errors.New("review not found")

	ErrReferralExists      = errors.New("user already has a referrer")
	ErrSelfReferral        = errors.New("users cannot refer themselves")
	ErrReferralNotFound    = errors.New("referral not found")
	ErrReferralNotEligible = errors.New("referral not eligible for payout")

	// ErrReferralCodeInvalid covers unknown and deactivated codes alike.
	ErrReferralCodeInvalid  = errors.New("invalid referral code")
	ErrReferralCodeNotFound = errors.New("referral code not found")
	ErrReferralCodeExists   = errors.New("referral code already exists")

	ErrPlotNotFound = errors.New("plot not found")
	ErrPlotExists   = errors.New("plot already exists")

	ErrRunNotFound = errors.New("reconciliation run not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a shortage. Currency is
// "points" or "cashback".
type InsufficientBalanceError struct {
	UserID    UserID
	Currency  string
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

// NewInsufficientPoints builds the error for a points spend.
func NewInsufficientPoints(userID UserID, available, requested int64) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		UserID:    userID,
		Currency:  "points",
		Available: decimal.NewFromInt(available),
		Requested: decimal.NewFromInt(requested),
		Shortfall: decimal.NewFromInt(requested - available),
	}
}

// NewInsufficientCashback builds the error for a cashback redemption.
func NewInsufficientCashback(userID UserID, available, requested decimal.Decimal) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		UserID:    userID,
		Currency:  "cashback",
		Available: available,
		Requested: requested,
		Shortfall: requested.Sub(available),
	}
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: available %s, requested %s, shortfall %s",
		e.Currency, e.Available, e.Requested, e.Shortfall)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// ResourceUnavailableError identifies the resource that lost a race.
type ResourceUnavailableError struct {
	Kind       SourceKind
	ResourceID string
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("%s %s is no longer available", e.Kind, e.ResourceID)
}

func (e *ResourceUnavailableError) Unwrap() error {
	return ErrResourceUnavailable
}

// StorageError wraps a backend fault. It matches both ErrStorageFailure and
// the underlying driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorageFailure, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if nothing was committed and the caller may
// retry after re-checking idempotency state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrReferralNotEligible) ||
		errors.Is(err, ErrReferralCodeInvalid) ||
		errors.Is(err, ErrPendingReviewLimit)
}

// IsConflict returns true if the request lost to existing state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrResourceUnavailable) ||
		errors.Is(err, ErrReviewExists) ||
		errors.Is(err, ErrReferralExists) ||
		errors.Is(err, ErrReferralCodeExists) ||
		errors.Is(err, ErrPlotExists) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrReviewNotFound) ||
		errors.Is(err, ErrReferralNotFound) ||
		errors.Is(err, ErrReferralCodeNotFound) ||
		errors.Is(err, ErrPlotNotFound) ||
		errors.Is(err, ErrRunNotFound)
}

// isDomainError reports whether err belongs to the taxonomy above and
// should pass through a unit of work unchanged.
func isDomainError(err error) bool {
	return IsClientError(err) || IsConflict(err) || IsNotFound(err) || IsRetryable(err)
}
