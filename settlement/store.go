package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/pricing"
	"github.com/warp/station-ledger/safe"
)

//go:generate mockgen -destination=mocks/mock_collaborators.go -package=mocks github.com/warp/station-ledger/settlement Inventory,ChequeRegistry

// =============================================================================
// STORAGE CONTRACT
// =============================================================================

// Registry is the read-only station registry the engine needs.
type Registry interface {
	GetNozzle(ctx context.Context, id generic.NozzleID) (*Nozzle, error)
}

// Store persists shifts. GetShift returns assignments ordered by AssignedAt.
type Store interface {
	Registry
	CreateShift(ctx context.Context, s Shift) error
	GetShift(ctx context.Context, id generic.ShiftID) (*Shift, error)

	// WithShiftTx runs fn in one storage transaction. fn's error rolls back.
	WithShiftTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the view of storage inside WithShiftTx. It embeds safe.Store so the
// cash posting commits together with the shift snapshot.
type Tx interface {
	safe.Store

	// LockShift takes a row lock where the dialect supports one.
	LockShift(ctx context.Context, id generic.ShiftID) error
	GetShift(ctx context.Context, id generic.ShiftID) (*Shift, error)
	InsertAssignment(ctx context.Context, a Assignment) error
	UpdateAssignment(ctx context.Context, a Assignment) error

	// TouchShift bumps the version when it still equals expected, else
	// returns ErrConcurrentModification.
	TouchShift(ctx context.Context, id generic.ShiftID, expected int64, at time.Time) error

	// SaveClosedShift writes the CLOSED status and snapshot when the row is
	// still ACTIVE at expected version, else returns ErrConcurrentModification.
	SaveClosedShift(ctx context.Context, s Shift, expected int64) error
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// PriceResolver resolves the unit price in force at a moment.
type PriceResolver interface {
	Effective(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, asOf time.Time) (pricing.Resolution, error)
}

// TankDecrement is the volume drawn from one tank by one shift.
type TankDecrement struct {
	TankID   generic.TankID
	ShiftID  generic.ShiftID
	Quantity decimal.Decimal
}

// Inventory receives per-tank decrements after a shift closes. Implementations
// must ignore a repeated (TankID, ShiftID) pair.
type Inventory interface {
	DecrementTank(ctx context.Context, d TankDecrement) error
}

type ChequeStatus string

const ChequePending ChequeStatus = "PENDING"

// Cheque is a cheque record created from a declared cheque tender.
type Cheque struct {
	ID           string
	StationID    generic.StationID
	ShiftID      generic.ShiftID
	WorkerID     generic.WorkerID
	Number       string
	BankID       string
	ReceivedFrom string
	ChequeDate   time.Time
	Amount       decimal.Decimal
	Status       ChequeStatus
	CreatedBy    string
	CreatedAt    time.Time
}

// ChequeRegistry records cheques. Implementations must ignore a repeated ID.
type ChequeRegistry interface {
	RecordCheque(ctx context.Context, c Cheque) error
}
