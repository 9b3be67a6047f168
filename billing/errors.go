/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Every kind is recoverable at the caller boundary and maps to a specific,
  user-visible message. Store failures are not listed here: they are wrapped
  with %w and propagated unchanged.

ERROR CATEGORIES:
  1. Period errors - Contract expiry, duplicate or out-of-sequence periods
  2. Adjustment errors - Duplicate, missing or superseded history rows
  3. Ledger errors - Completed periods, concurrent modification
  4. Distribution errors - Percentage overflow, sum mismatch, batch conflicts

USAGE:
  Structured errors unwrap to their sentinel, so callers can use either form:

    if errors.Is(err, billing.ErrDuplicatePeriod) { ... }

    var dup *billing.DuplicatePeriodError
    if errors.As(err, &dup) { log(dup.MonthNumber) }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP statuses
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrContractExpired is returned when advancing a contract already at its
	// last month.
	ErrContractExpired = errors.New("contract expired")

	// ErrDuplicatePeriod is returned when a ledger entry already exists for
	// (contract, month number).
	ErrDuplicatePeriod = errors.New("period already opened")

	// ErrInvalidPeriod is returned for malformed period keys and for month
	// numbers that are not the next one to open.
	ErrInvalidPeriod = errors.New("invalid period")

	ErrDuplicateAdjustment  = errors.New("adjustment already applied for target month")
	ErrNoAdjustmentToUndo   = errors.New("no adjustment to undo")
	ErrAdjustmentSuperseded = errors.New("a later adjustment must be undone first")
	ErrInvalidTargetMonth   = errors.New("invalid adjustment target month")

	// ErrImmutableCompletedPeriod is returned when a completed period would be
	// altered by anything other than a corrective concept, or when a payment is
	// deleted after its credit was consumed downstream.
	ErrImmutableCompletedPeriod = errors.New("completed period is immutable")

	ErrDistributionOverflow = errors.New("locked percentages exceed 100")
	ErrPercentageSum        = errors.New("percentages must sum to 100")
	ErrBatchConflict        = errors.New("batch conflict")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrContractNotFound = errors.New("contract not found")
	ErrIndexNotFound    = errors.New("adjustment index not found")
	ErrLedgerNotFound   = errors.New("ledger entry not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrTemplateNotFound = errors.New("distribution template not found")

	// ErrIndexInUse is returned when deleting an index still referenced by a contract.
	ErrIndexInUse = errors.New("adjustment index in use")

	// ErrValidation is returned when a record fails field validation.
	ErrValidation = errors.New("validation failed")

	// ErrLockNotObtained is returned when a Locker cannot acquire a key.
	ErrLockNotObtained = errors.New("lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ContractExpiredError struct {
	ContractID     ContractID
	DurationMonths int
}

func (e *ContractExpiredError) Error() string {
	return fmt.Sprintf("contract %s expired: all %d months already billed", e.ContractID, e.DurationMonths)
}

func (e *ContractExpiredError) Unwrap() error { return ErrContractExpired }

type DuplicatePeriodError struct {
	ContractID  ContractID
	MonthNumber int
	ExistingID  LedgerID
}

func (e *DuplicatePeriodError) Error() string {
	return fmt.Sprintf("month %d of contract %s already opened (ledger: %s)", e.MonthNumber, e.ContractID, e.ExistingID)
}

func (e *DuplicatePeriodError) Unwrap() error { return ErrDuplicatePeriod }

type DuplicateAdjustmentError struct {
	ContractID  ContractID
	TargetMonth int
}

func (e *DuplicateAdjustmentError) Error() string {
	return fmt.Sprintf("contract %s already has an adjustment for month %d", e.ContractID, e.TargetMonth)
}

func (e *DuplicateAdjustmentError) Unwrap() error { return ErrDuplicateAdjustment }

type NoAdjustmentToUndoError struct {
	ContractID  ContractID
	TargetMonth int
}

func (e *NoAdjustmentToUndoError) Error() string {
	return fmt.Sprintf("contract %s has no active adjustment for month %d", e.ContractID, e.TargetMonth)
}

func (e *NoAdjustmentToUndoError) Unwrap() error { return ErrNoAdjustmentToUndo }

type ImmutableCompletedPeriodError struct {
	LedgerID    LedgerID
	MonthNumber int
	Reason      string
}

func (e *ImmutableCompletedPeriodError) Error() string {
	return fmt.Sprintf("month %d (ledger %s) cannot be modified: %s", e.MonthNumber, e.LedgerID, e.Reason)
}

func (e *ImmutableCompletedPeriodError) Unwrap() error { return ErrImmutableCompletedPeriod }

// DistributionOverflowError reports a rejected percentage edit. The allocator
// state is left unchanged when this error is returned.
type DistributionOverflowError struct {
	RecordID  LedgerID
	Requested decimal.Decimal
	LockedSum decimal.Decimal
}

func (e *DistributionOverflowError) Error() string {
	return fmt.Sprintf("setting %s to %s%% would lock %s%% in total", e.RecordID, e.Requested, e.LockedSum)
}

func (e *DistributionOverflowError) Unwrap() error { return ErrDistributionOverflow }

type BatchConflictError struct {
	LedgerID LedgerID
	Expected int
	Actual   int
}

func (e *BatchConflictError) Error() string {
	return fmt.Sprintf("ledger %s changed during distribution (version %d, now %d)", e.LedgerID, e.Expected, e.Actual)
}

func (e *BatchConflictError) Unwrap() error { return ErrBatchConflict }

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %v", e.Fields)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidTargetMonth) ||
		errors.Is(err, ErrDistributionOverflow) ||
		errors.Is(err, ErrPercentageSum) ||
		errors.Is(err, ErrValidation)
}

// IsConflict returns true if the error reports a state conflict the caller
// can resolve by reloading.
func IsConflict(err error) bool {
	return errors.Is(err, ErrContractExpired) ||
		errors.Is(err, ErrDuplicatePeriod) ||
		errors.Is(err, ErrDuplicateAdjustment) ||
		errors.Is(err, ErrNoAdjustmentToUndo) ||
		errors.Is(err, ErrAdjustmentSuperseded) ||
		errors.Is(err, ErrImmutableCompletedPeriod) ||
		errors.Is(err, ErrBatchConflict) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrIndexInUse) ||
		errors.Is(err, ErrLockNotObtained)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContractNotFound) ||
		errors.Is(err, ErrIndexNotFound) ||
		errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrTemplateNotFound)
}
