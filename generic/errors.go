/*
errors.go - Centralized error types for the station ledger

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Component packages return these sentinels (or structured errors that
  unwrap to them) so the HTTP layer can map them without string matching.

ERROR CATEGORIES:
  1. Validation errors - the caller sent something we will not accept
  2. Not-found errors  - a referenced record does not exist
  3. Conflict errors   - state changed underneath the caller
  4. Transient errors  - storage hiccups; retried, then surfaced as unavailable

USAGE:
  if errors.Is(err, generic.ErrAlreadyClosed) {
      // shift was closed by someone else
  }

  var open *generic.IncompleteAssignmentsError
  if errors.As(err, &open) {
      fmt.Println(open.Open)
  }

SEE ALSO:
  - retry.go: Uses IsTransient
  - api/handlers.go: Maps these to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyClosed is returned when closing or mutating a CLOSED shift.
	ErrAlreadyClosed = errors.New("shift already closed")

	// ErrIncompleteAssignments is returned when a shift still has open assignments.
	ErrIncompleteAssignments = errors.New("shift has open assignments")

	// ErrNoValidAssignments is returned when every assignment of a shift has
	// an unusable meter reading.
	ErrNoValidAssignments = errors.New("shift has no valid assignments")

	// ErrInvalidMeterReading is returned for backward readings that are not a rollover.
	ErrInvalidMeterReading = errors.New("invalid meter reading")

	// ErrNegativeAmount is returned for non-positive safe transaction amounts.
	ErrNegativeAmount = errors.New("amount must be positive")

	// ErrFutureTimestamp is returned for transactions dated too far ahead.
	ErrFutureTimestamp = errors.New("timestamp too far in the future")

	// ErrUnknownTransactionType is returned for types outside the credit/debit sets.
	ErrUnknownTransactionType = errors.New("unknown transaction type")

	// ErrInvalidTender is returned when a declared tender is missing required fields.
	ErrInvalidTender = errors.New("invalid tender")

	// ErrInvalidPeriod is returned when a period is malformed (end not after start).
	ErrInvalidPeriod = errors.New("invalid period: end must be after start")

	// ErrInvalidPrice is returned when registering a non-positive price.
	ErrInvalidPrice = errors.New("price must be positive")

	// ErrActorRequired is returned when a mutation carries no actor.
	ErrActorRequired = errors.New("actor required")

	// ErrInvalidInput is returned for malformed requests not covered above.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNozzleInUse is returned when a nozzle already has an open assignment
	// in the same shift.
	ErrNozzleInUse = errors.New("nozzle already assigned in this shift")

	// ErrShiftNotFound is returned when a referenced shift doesn't exist.
	ErrShiftNotFound = errors.New("shift not found")

	// ErrAssignmentNotFound is returned when a referenced assignment doesn't exist.
	ErrAssignmentNotFound = errors.New("assignment not found")

	// ErrNozzleNotFound is returned when a referenced nozzle doesn't exist.
	ErrNozzleNotFound = errors.New("nozzle not found")

	// ErrTankNotFound is returned when a referenced tank doesn't exist.
	ErrTankNotFound = errors.New("tank not found")

	// ErrSafeNotFound is returned when a referenced safe doesn't exist.
	ErrSafeNotFound = errors.New("safe not found")

	// ErrWorkerNotFound is returned when a referenced worker doesn't exist.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTransient marks storage failures that may succeed on retry.
	ErrTransient = errors.New("transient storage failure")

	// ErrUnavailable is returned once transient retries are exhausted.
	ErrUnavailable = errors.New("temporarily unavailable, try again")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IncompleteAssignmentsError reports how many assignments are still open.
type IncompleteAssignmentsError struct {
	ShiftID ShiftID
	Open    int
}

func (e *IncompleteAssignmentsError) Error() string {
	return fmt.Sprintf("shift %s has %d open assignment(s)", e.ShiftID, e.Open)
}

func (e *IncompleteAssignmentsError) Unwrap() error {
	return ErrIncompleteAssignments
}

// InvalidMeterReadingError carries the offending readings.
type InvalidMeterReadingError struct {
	Start    decimal.Decimal
	End      decimal.Decimal
	MeterMax decimal.Decimal
	Reason   string
}

func (e *InvalidMeterReadingError) Error() string {
	return fmt.Sprintf("invalid meter reading: start %s, end %s, max %s: %s",
		e.Start, e.End, e.MeterMax, e.Reason)
}

func (e *InvalidMeterReadingError) Unwrap() error {
	return ErrInvalidMeterReading
}

// FutureTimestampError reports how far ahead a timestamp was.
type FutureTimestampError struct {
	At    time.Time
	Limit time.Time
}

func (e *FutureTimestampError) Error() string {
	return fmt.Sprintf("timestamp %s is after the allowed limit %s",
		e.At.Format(time.RFC3339), e.Limit.Format(time.RFC3339))
}

func (e *FutureTimestampError) Unwrap() error {
	return ErrFutureTimestamp
}

// NegativeAmountError carries the rejected amount and transaction type.
type NegativeAmountError struct {
	Amount decimal.Decimal
	Type   string
}

func (e *NegativeAmountError) Error() string {
	return fmt.Sprintf("amount %s for %s must be positive", e.Amount, e.Type)
}

func (e *NegativeAmountError) Unwrap() error {
	return ErrNegativeAmount
}

// TenderError names the tender that failed validation.
type TenderError struct {
	WorkerID WorkerID
	Kind     string
	Reason   string
}

func (e *TenderError) Error() string {
	return fmt.Sprintf("invalid %s tender for worker %s: %s", e.Kind, e.WorkerID, e.Reason)
}

func (e *TenderError) Unwrap() error {
	return ErrInvalidTender
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsTransient returns true if the error might succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRetryable is the caller-facing variant: transient storage failures and
// optimistic-lock conflicts.
func IsRetryable(err error) bool {
	return IsTransient(err) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidMeterReading) ||
		errors.Is(err, ErrNegativeAmount) ||
		errors.Is(err, ErrFutureTimestamp) ||
		errors.Is(err, ErrUnknownTransactionType) ||
		errors.Is(err, ErrInvalidTender) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidPrice) ||
		errors.Is(err, ErrActorRequired) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNoValidAssignments)
}

// IsConflict returns true if the request clashes with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyClosed) ||
		errors.Is(err, ErrIncompleteAssignments) ||
		errors.Is(err, ErrNozzleInUse) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrShiftNotFound) ||
		errors.Is(err, ErrAssignmentNotFound) ||
		errors.Is(err, ErrNozzleNotFound) ||
		errors.Is(err, ErrTankNotFound) ||
		errors.Is(err, ErrSafeNotFound) ||
		errors.Is(err, ErrWorkerNotFound)
}
