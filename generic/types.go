/*
Package generic provides the shared building blocks of the station ledger.

PURPOSE:
  Everything that more than one engine component needs lives here: typed
  identifiers, the acting user, decimal helpers, the error taxonomy,
  half-open periods, clocks and the storage retry loop. The package has no
  knowledge of shifts, safes or payroll rules.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed IDs: StationID, ShiftID, SafeID, WorkerID, ... prevent mixing
  - Actor: who performed a mutation, threaded explicitly through every call
  - Decimal helpers: all money and fuel quantities are decimal.Decimal

DESIGN PRINCIPLES:
  1. Precision: money and litres never touch float64
  2. Rounding happens once, at the edge (Round2), never mid-computation
  3. Identity is explicit: no ambient "current user"

SEE ALSO:
  - errors.go: Sentinel and structured errors
  - period.go: Half-open [Start, End) periods
  - retry.go: Transient storage retry
*/
package generic

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StationID string
type ShiftID string
type AssignmentID string
type NozzleID string
type TankID string
type FuelID string
type WorkerID string
type SafeID string
type TransactionID string
type PriceID string
type LoanID string

// NewID returns a random identifier with the given prefix, e.g. "shift-3f2a...".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// ACTOR
// =============================================================================

// Actor identifies whoever performs a mutation. It is carried into every
// persisted record as performedBy / openedBy / closedBy.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SystemActor is used by scheduled jobs.
var SystemActor = Actor{ID: "system", Name: "system"}

// IsZero reports whether the actor is unset.
func (a Actor) IsZero() bool { return a.ID == "" }

// String prefers the display name.
func (a Actor) String() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// MustParseDecimal parses s, returning zero for malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// MaxDecimal returns the larger of a and b.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// MinDecimal returns the smaller of a and b.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// ClampZero returns d, or zero when d is negative.
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
