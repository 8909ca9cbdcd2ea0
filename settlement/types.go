/*
Package settlement closes fuel-station shifts.

PURPOSE:
  A shift is a window during which workers run pump nozzles. Each nozzle
  run is an Assignment with a start and end meter reading. Closing the
  shift turns readings into litres, litres into money at the price in
  force at shift start, compares that with the cash and other tenders
  each worker declares, classifies the variance, and freezes the result.

LIFECYCLE:
  ACTIVE --close--> CLOSED      (no other transition; CLOSED is terminal)

  Assignments:  OPEN --close--> CLOSED
  A shift can only close when every assignment is CLOSED.

KEY CONCEPTS IN THIS FILE (types.go):
  - Shift, Assignment: the mutable records before close
  - Nozzle, Tank: registry records read at close
  - Statistics, VarianceRecord, DeclaredAmounts: the frozen snapshot

AUTHORITY:
  After close the persisted Statistics/Declared snapshot is the record.
  Later price or registry edits never change it.

SEE ALSO:
  - engine.go: OpenShift / Assign / CloseAssignment / Close
  - tender.go: Declared tender sum type
  - variance.go: Tolerance and classification
*/
package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
)

// =============================================================================
// STATUS
// =============================================================================

type ShiftStatus string

const (
	ShiftActive ShiftStatus = "ACTIVE"
	ShiftClosed ShiftStatus = "CLOSED"
)

type AssignmentStatus string

const (
	AssignmentOpen   AssignmentStatus = "OPEN"
	AssignmentClosed AssignmentStatus = "CLOSED"
)

// =============================================================================
// REGISTRY RECORDS
// =============================================================================

// Nozzle is a pump outlet drawing from one tank.
type Nozzle struct {
	ID        generic.NozzleID
	StationID generic.StationID
	TankID    generic.TankID
	FuelID    generic.FuelID
	MeterMax  decimal.Decimal // zero means "use the configured default"
}

// Tank holds one fuel at a station.
type Tank struct {
	ID           generic.TankID
	StationID    generic.StationID
	FuelID       generic.FuelID
	Capacity     decimal.Decimal
	CurrentLevel decimal.Decimal
}

// =============================================================================
// SHIFT
// =============================================================================

// Assignment is one nozzle run by one worker within a shift.
type Assignment struct {
	ID                   generic.AssignmentID
	ShiftID              generic.ShiftID
	NozzleID             generic.NozzleID
	WorkerID             generic.WorkerID
	StartReading         decimal.Decimal
	EndReading           *decimal.Decimal
	ReturnedTestQuantity decimal.Decimal // test pours poured back into the tank
	Status               AssignmentStatus
	AssignedAt           time.Time
	ClosedAt             *time.Time
}

// Shift is a settlement window at one station.
type Shift struct {
	ID          generic.ShiftID
	StationID   generic.StationID
	StartTime   time.Time
	EndTime     *time.Time
	Status      ShiftStatus
	OpenedBy    string
	ClosedBy    string
	Version     int64 // bumped on every assignment mutation
	Assignments []Assignment
	Statistics  *Statistics
	Declared    *DeclaredAmounts
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OpenAssignments counts assignments not yet closed.
func (s *Shift) OpenAssignments() int {
	n := 0
	for _, a := range s.Assignments {
		if a.Status != AssignmentClosed {
			n++
		}
	}
	return n
}

// Assignment finds an assignment by ID.
func (s *Shift) Assignment(id generic.AssignmentID) (*Assignment, bool) {
	for i := range s.Assignments {
		if s.Assignments[i].ID == id {
			return &s.Assignments[i], true
		}
	}
	return nil, false
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// SkippedAssignment records why an assignment was excluded from totals.
type SkippedAssignment struct {
	AssignmentID generic.AssignmentID `json:"assignment_id"`
	NozzleID     generic.NozzleID     `json:"nozzle_id"`
	WorkerID     generic.WorkerID     `json:"worker_id"`
	Reason       string               `json:"reason"`
}

// Statistics is the frozen computation of a closed shift.
type Statistics struct {
	TotalVolume         decimal.Decimal                    `json:"total_volume"`
	TotalFuelSales      decimal.Decimal                    `json:"total_fuel_sales"`
	AncillaryRevenue    decimal.Decimal                    `json:"ancillary_revenue"`
	TotalSales          decimal.Decimal                    `json:"total_sales"`
	TotalDeclared       decimal.Decimal                    `json:"total_declared"`
	Variance            decimal.Decimal                    `json:"variance"`
	Tolerance           decimal.Decimal                    `json:"tolerance"`
	Classification      Classification                     `json:"classification"`
	DurationHours       decimal.Decimal                    `json:"duration_hours"`
	AveragePricePerUnit decimal.Decimal                    `json:"average_price_per_unit"`
	AssignmentCount     int                                `json:"assignment_count"`
	SkippedAssignments  int                                `json:"skipped_assignments"`
	Skipped             []SkippedAssignment                `json:"skipped,omitempty"`
	VolumeByTank        map[generic.TankID]decimal.Decimal `json:"volume_by_tank,omitempty"`
	FallbackPrices      int                                `json:"fallback_prices"`
	Lines               []AssignmentLine                   `json:"lines"`
}

// AssignmentLine is the settled value of one valid assignment.
type AssignmentLine struct {
	AssignmentID generic.AssignmentID `json:"assignment_id"`
	NozzleID     generic.NozzleID     `json:"nozzle_id"`
	TankID       generic.TankID       `json:"tank_id"`
	FuelID       generic.FuelID       `json:"fuel_id"`
	WorkerID     generic.WorkerID     `json:"worker_id"`
	Quantity     decimal.Decimal      `json:"quantity"`
	UnitPrice    decimal.Decimal      `json:"unit_price"`
	PriceID      generic.PriceID      `json:"price_id,omitempty"`
	Fallback     bool                 `json:"fallback,omitempty"`
	Amount       decimal.Decimal      `json:"amount"`
}

// TenderTotals splits declared amounts by kind.
type TenderTotals struct {
	Cash   decimal.Decimal `json:"cash"`
	Card   decimal.Decimal `json:"card"`
	Credit decimal.Decimal `json:"credit"`
	Cheque decimal.Decimal `json:"cheque"`
}

// Total is cash + card + credit + cheque.
func (t TenderTotals) Total() decimal.Decimal {
	return t.Cash.Add(t.Card).Add(t.Credit).Add(t.Cheque)
}

// Add sums two tender splits.
func (t TenderTotals) Add(o TenderTotals) TenderTotals {
	return TenderTotals{
		Cash:   t.Cash.Add(o.Cash),
		Card:   t.Card.Add(o.Card),
		Credit: t.Credit.Add(o.Credit),
		Cheque: t.Cheque.Add(o.Cheque),
	}
}

// VarianceRecord is one worker's settlement within a shift.
type VarianceRecord struct {
	WorkerID       generic.WorkerID `json:"worker_id"`
	MeterSales     decimal.Decimal  `json:"meter_sales"`
	AncillarySales decimal.Decimal  `json:"ancillary_sales"`
	ComputedSales  decimal.Decimal  `json:"computed_sales"`
	Declared       TenderTotals     `json:"declared"`
	DeclaredTotal  decimal.Decimal  `json:"declared_total"`
	Advance        decimal.Decimal  `json:"advance"`
	Variance       decimal.Decimal  `json:"variance"`
	Classification Classification   `json:"classification"`
}

// DeclaredAmounts is the frozen declaration snapshot of a closed shift.
type DeclaredAmounts struct {
	Totals    TenderTotals           `json:"totals"`
	Total     decimal.Decimal        `json:"total"`
	Workers   []VarianceRecord       `json:"workers"`
	Tenders   []WorkerDeclaration    `json:"tenders"`
	Ancillary []AncillaryRevenue     `json:"ancillary,omitempty"`
	CashPost  *generic.TransactionID `json:"cash_transaction_id,omitempty"`
}

// AncillaryRevenue is non-fuel income (shop, lubricants) attributed to a worker.
type AncillaryRevenue struct {
	WorkerID generic.WorkerID `json:"worker_id"`
	Source   string           `json:"source"`
	Amount   decimal.Decimal  `json:"amount"`
}
