/*
engine_test.go - Shift lifecycle and close on a real SQLite store

Tests for:
- The end-to-end close: meter deltas, prices at shift start, ancillary
  revenue, tender totals, variance classification, cash posted to the safe
- Tolerance boundaries
- Skipped assignments and the no-valid-assignments failure
- Close preconditions: already closed, open assignments, bad input
- Follow-ups: idempotent tank decrements and cheque records
- Racing closers
*/
package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/jobs"
	"github.com/warp/station-ledger/pricing"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
	"github.com/warp/station-ledger/settlement/mocks"
	"github.com/warp/station-ledger/store/sqlstore"
)

var (
	t0         = time.Date(2025, 1, 8, 6, 0, 0, 0, time.UTC)
	supervisor = generic.Actor{ID: "u-sup", Name: "supervisor"}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	store    *sqlstore.Store
	ledger   *safe.Ledger
	resolver *pricing.Resolver
	engine   *settlement.Engine
	runner   *jobs.Inline
	clock    *generic.FixedClock
}

type option func(*settlement.Deps)

func withInventory(inv settlement.Inventory) option {
	return func(d *settlement.Deps) { d.Inventory = inv }
}

func withCheques(c settlement.ChequeRegistry) option {
	return func(d *settlement.Deps) { d.Cheques = c }
}

// newFixture builds station st1 with two nozzles:
// n-a (tank tk-a, fuel petrol92 @ 300) and n-b (tank tk-b, fuel diesel @ 400).
func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := generic.NewFixedClock(t0.Add(9 * time.Hour))
	ledger := safe.NewLedger(store, safe.DefaultConfig(), clock, nil, nil)
	resolver := pricing.NewResolver(store)
	runner := &jobs.Inline{}

	for _, n := range []settlement.Nozzle{
		{ID: "n-a", StationID: "st1", TankID: "tk-a", FuelID: "petrol92", MeterMax: d("999999")},
		{ID: "n-b", StationID: "st1", TankID: "tk-b", FuelID: "diesel", MeterMax: d("99999")},
		{ID: "n-x", StationID: "st2", TankID: "tk-x", FuelID: "petrol92"},
	} {
		require.NoError(t, store.SaveNozzle(ctx, n))
	}
	for _, tk := range []settlement.Tank{
		{ID: "tk-a", StationID: "st1", FuelID: "petrol92", Capacity: d("20000"), CurrentLevel: d("10000")},
		{ID: "tk-b", StationID: "st1", FuelID: "diesel", Capacity: d("20000"), CurrentLevel: d("8000")},
	} {
		require.NoError(t, store.SaveTank(ctx, tk))
	}
	for _, p := range []pricing.Price{
		{StationID: "st1", FuelID: "petrol92", Amount: d("300"), EffectiveAt: t0.Add(-48 * time.Hour), CreatedBy: "admin"},
		{StationID: "st1", FuelID: "diesel", Amount: d("400"), EffectiveAt: t0.Add(-48 * time.Hour), CreatedBy: "admin"},
	} {
		_, err := resolver.Register(ctx, store, p)
		require.NoError(t, err)
	}

	deps := settlement.Deps{
		Store:     store,
		Ledger:    ledger,
		Prices:    resolver,
		Inventory: store,
		Cheques:   store,
		Runner:    runner,
		Clock:     clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &fixture{
		store:    store,
		ledger:   ledger,
		resolver: resolver,
		engine:   settlement.NewEngine(deps, settlement.DefaultConfig()),
		runner:   runner,
		clock:    clock,
	}
}

func (f *fixture) open(t *testing.T) *settlement.Shift {
	t.Helper()
	s, err := f.engine.OpenShift(context.Background(), settlement.OpenRequest{
		StationID: "st1", StartTime: t0, OpenedBy: supervisor,
	})
	require.NoError(t, err)
	return s
}

// run assigns a nozzle and closes the assignment with the given readings.
func (f *fixture) run(t *testing.T, shift generic.ShiftID, nozzle generic.NozzleID, worker generic.WorkerID, start, end, returned string) *settlement.Assignment {
	t.Helper()
	ctx := context.Background()
	a, err := f.engine.Assign(ctx, settlement.AssignRequest{
		ShiftID: shift, NozzleID: nozzle, WorkerID: worker, StartReading: d(start), Actor: supervisor,
	})
	require.NoError(t, err)
	closed, err := f.engine.CloseAssignment(ctx, settlement.CloseAssignmentRequest{
		ShiftID: shift, AssignmentID: a.ID, EndReading: d(end), ReturnedTestQuantity: d(returned), Actor: supervisor,
	})
	require.NoError(t, err)
	return closed
}

func cash(worker generic.WorkerID, amount string) settlement.WorkerDeclaration {
	return settlement.WorkerDeclaration{
		WorkerID: worker,
		Tenders:  []settlement.Tender{settlement.CashTender{Amount: d(amount)}},
	}
}

func (f *fixture) close(shift generic.ShiftID, decls ...settlement.WorkerDeclaration) (*settlement.Shift, error) {
	return f.engine.Close(context.Background(), settlement.CloseRequest{
		ShiftID:      shift,
		Declarations: decls,
		ClosedBy:     supervisor,
		ClosedAt:     t0.Add(8 * time.Hour),
	})
}

func (f *fixture) safeBalance(t *testing.T) decimal.Decimal {
	t.Helper()
	s, err := f.ledger.SafeForStation(context.Background(), "st1")
	require.NoError(t, err)
	return s.CurrentBalance
}

// =============================================================================
// END TO END
// =============================================================================

func TestClose_EndToEnd(t *testing.T) {
	// GIVEN: 100 litres of petrol at 300 and 50 litres of diesel at 400,
	// plus 5000 of lubricant sales, against 50000 declared cash
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "1000", "1100", "0")
	f.run(t, shift.ID, "n-b", "w2", "2000", "2050", "0")

	// WHEN: The shift is closed
	closed, err := f.engine.Close(ctx, settlement.CloseRequest{
		ShiftID:      shift.ID,
		Declarations: []settlement.WorkerDeclaration{cash("w1", "30000"), cash("w2", "20000")},
		Ancillary:    []settlement.AncillaryRevenue{{WorkerID: "w1", Source: "lubricants", Amount: d("5000")}},
		ClosedBy:     supervisor,
		ClosedAt:     t0.Add(8 * time.Hour),
	})
	require.NoError(t, err)

	// THEN: Sales, variance and classification are frozen on the shift
	st := closed.Statistics
	require.NotNil(t, st)
	assert.Equal(t, settlement.ShiftClosed, closed.Status)
	assert.True(t, st.TotalVolume.Equal(d("150")))
	assert.True(t, st.TotalFuelSales.Equal(d("50000")))
	assert.True(t, st.AncillaryRevenue.Equal(d("5000")))
	assert.True(t, st.TotalSales.Equal(d("55000")))
	assert.True(t, st.TotalDeclared.Equal(d("50000")))
	assert.True(t, st.Variance.Equal(d("5000")))
	assert.Equal(t, settlement.AddToSalary, st.Classification)
	assert.True(t, st.DurationHours.Equal(d("8")))
	assert.Equal(t, 2, st.AssignmentCount)
	assert.Zero(t, st.SkippedAssignments)
	assert.Zero(t, st.FallbackPrices)

	// AND: Per-worker variance is recorded in worker order
	require.Len(t, closed.Declared.Workers, 2)
	w1, w2 := closed.Declared.Workers[0], closed.Declared.Workers[1]
	assert.Equal(t, generic.WorkerID("w1"), w1.WorkerID)
	assert.True(t, w1.ComputedSales.Equal(d("35000")))
	assert.True(t, w1.Variance.Equal(d("5000")))
	assert.Equal(t, settlement.AddToSalary, w1.Classification)
	assert.True(t, w2.Variance.IsZero())
	assert.Equal(t, settlement.Normal, w2.Classification)

	// AND: The declared cash is in the station safe, linked to the shift
	assert.True(t, f.safeBalance(t).Equal(d("50000")))
	require.NotNil(t, closed.Declared.CashPost)
	sf, err := f.ledger.SafeForStation(ctx, "st1")
	require.NoError(t, err)
	txs, err := f.ledger.Transactions(ctx, sf.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, *closed.Declared.CashPost, txs[0].ID)
	assert.Equal(t, safe.TxCashFuelSales, txs[0].Type)
	assert.Equal(t, shift.ID, txs[0].Refs.ShiftID)
	assert.True(t, txs[0].Timestamp.Equal(t0.Add(8*time.Hour)))

	// AND: The tanks were drawn down by the follow-up jobs
	tankA, err := f.store.GetTank(ctx, "tk-a")
	require.NoError(t, err)
	assert.True(t, tankA.CurrentLevel.Equal(d("9900")))
	tankB, err := f.store.GetTank(ctx, "tk-b")
	require.NoError(t, err)
	assert.True(t, tankB.CurrentLevel.Equal(d("7950")))
	assert.Equal(t, []string{"tank_decrement", "tank_decrement"}, f.runner.Ran())
	assert.Empty(t, f.runner.Failed())

	// AND: Reading back returns the stored snapshot
	got, err := f.engine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.ShiftClosed, got.Status)
	assert.Equal(t, supervisor.String(), got.ClosedBy)
	require.NotNil(t, got.Statistics)
	assert.True(t, got.Statistics.TotalSales.Equal(d("55000")))
	assert.Equal(t, settlement.AddToSalary, got.Statistics.Classification)
	require.Len(t, got.Declared.Tenders, 2)
	require.Len(t, got.Declared.Tenders[0].Tenders, 1)
	assert.IsType(t, settlement.CashTender{}, got.Declared.Tenders[0].Tenders[0])
}

func TestClose_SnapshotIgnoresLaterPriceChanges(t *testing.T) {
	// GIVEN: A closed shift settled at 300
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "10", "0")
	_, err := f.close(shift.ID, cash("w1", "3000"))
	require.NoError(t, err)

	// WHEN: A backdated price is registered for the shift start
	_, err = f.resolver.Register(ctx, f.store, pricing.Price{
		StationID: "st1", FuelID: "petrol92", Amount: d("999"), EffectiveAt: t0.Add(-time.Hour), CreatedBy: "admin",
	})
	require.NoError(t, err)

	// THEN: The stored statistics do not move
	got, err := f.engine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.True(t, got.Statistics.TotalSales.Equal(d("3000")))
	assert.Equal(t, settlement.Normal, got.Statistics.Classification)
}

func TestClose_UsesPriceInForceAtShiftStart(t *testing.T) {
	// GIVEN: A price change that takes effect mid-shift
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.resolver.Register(ctx, f.store, pricing.Price{
		StationID: "st1", FuelID: "petrol92", Amount: d("350"), EffectiveAt: t0.Add(time.Hour), CreatedBy: "admin",
	})
	require.NoError(t, err)
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "10", "0")

	// WHEN: The shift closes
	closed, err := f.close(shift.ID, cash("w1", "3000"))

	// THEN: The start-of-shift price applies
	require.NoError(t, err)
	require.Len(t, closed.Statistics.Lines, 1)
	assert.True(t, closed.Statistics.Lines[0].UnitPrice.Equal(d("300")))
	assert.True(t, closed.Statistics.TotalSales.Equal(d("3000")))
}

func TestClose_DefaultPriceWhenNoneRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveNozzle(ctx, settlement.Nozzle{ID: "n-k", StationID: "st1", TankID: "tk-k", FuelID: "kerosene"}))
	shift := f.open(t)
	f.run(t, shift.ID, "n-k", "w1", "0", "2", "0")

	closed, err := f.close(shift.ID, cash("w1", "940"))

	require.NoError(t, err)
	assert.True(t, closed.Statistics.TotalSales.Equal(d("940")))
	assert.Equal(t, 1, closed.Statistics.FallbackPrices)
	assert.True(t, closed.Statistics.Lines[0].Fallback)
}

func TestClose_RolloverAndTestPourReturns(t *testing.T) {
	// GIVEN: A diesel meter that wrapped (99999 max) and 5 litres poured back
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	f.run(t, shift.ID, "n-b", "w1", "99950", "50", "5")

	// WHEN: The shift closes
	closed, err := f.close(shift.ID, cash("w1", "38000"))

	// THEN: 99 litres dispensed less 5 returned were sold and drawn down
	require.NoError(t, err)
	assert.True(t, closed.Statistics.TotalVolume.Equal(d("94")), "got %s", closed.Statistics.TotalVolume)
	assert.True(t, closed.Statistics.TotalSales.Equal(d("37600")))
	tank, err := f.store.GetTank(ctx, "tk-b")
	require.NoError(t, err)
	assert.True(t, tank.CurrentLevel.Equal(d("7906")))
}

// =============================================================================
// TOLERANCE
// =============================================================================

func TestClose_ToleranceBoundary(t *testing.T) {
	cases := []struct {
		declared string
		want     settlement.Classification
	}{
		{"30000", settlement.Normal},
		{"29980", settlement.Normal},
		{"29979.99", settlement.AddToSalary},
		{"30020", settlement.Normal},
		{"30020.01", settlement.DeductFromSalary},
	}
	for _, tc := range cases {
		t.Run(tc.declared, func(t *testing.T) {
			f := newFixture(t)
			shift := f.open(t)
			f.run(t, shift.ID, "n-a", "w1", "0", "100", "0")

			closed, err := f.close(shift.ID, cash("w1", tc.declared))

			require.NoError(t, err)
			assert.Equal(t, tc.want, closed.Statistics.Classification)
			assert.True(t, closed.Statistics.Tolerance.Equal(d("20")))
		})
	}
}

func TestTolerance_Classify(t *testing.T) {
	tol := settlement.DefaultTolerance()
	assert.Equal(t, settlement.Normal, tol.Classify(d("20"), d("1000")))
	assert.Equal(t, settlement.Normal, tol.Classify(d("-20"), d("1000")))
	assert.Equal(t, settlement.AddToSalary, tol.Classify(d("20.01"), d("1000")))
	assert.Equal(t, settlement.DeductFromSalary, tol.Classify(d("-20.01"), d("1000")))

	tol.Convention = settlement.PositiveDeducts
	assert.Equal(t, settlement.DeductFromSalary, tol.Classify(d("20.01"), d("1000")))
	assert.Equal(t, settlement.AddToSalary, tol.Classify(d("-20.01"), d("1000")))

	pct := settlement.Tolerance{Flat: d("20"), Percent: d("0.1"), Convention: settlement.PositiveAdds}
	assert.True(t, pct.Band(d("55000")).Equal(d("55")))
	assert.True(t, pct.Band(d("1000")).Equal(d("20")))
	assert.Equal(t, settlement.Normal, pct.Classify(d("55"), d("55000")))
	assert.Equal(t, settlement.AddToSalary, pct.Classify(d("55.01"), d("55000")))

	_, err := settlement.ParseConvention("sideways")
	assert.Error(t, err)
	c, err := settlement.ParseConvention("")
	require.NoError(t, err)
	assert.Equal(t, settlement.PositiveAdds, c)
}

// =============================================================================
// SKIPPED ASSIGNMENTS
// =============================================================================

func TestClose_SkipsInvalidReadings(t *testing.T) {
	// GIVEN: One valid assignment and one whose end reading went backwards
	f := newFixture(t)
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "1000", "1100", "0")
	bad := f.run(t, shift.ID, "n-b", "w2", "5000", "4000", "0")

	// WHEN: The shift closes
	closed, err := f.close(shift.ID, cash("w1", "30000"))

	// THEN: The bad assignment is counted but contributes nothing
	require.NoError(t, err)
	st := closed.Statistics
	assert.Equal(t, 2, st.AssignmentCount)
	assert.Equal(t, 1, st.SkippedAssignments)
	require.Len(t, st.Skipped, 1)
	assert.Equal(t, bad.ID, st.Skipped[0].AssignmentID)
	assert.True(t, st.TotalSales.Equal(d("30000")))
	assert.Equal(t, settlement.Normal, st.Classification)
}

func TestClose_NoValidAssignments(t *testing.T) {
	// GIVEN: Every assignment has an unusable reading
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "5000", "4000", "0")

	// WHEN: The shift closes
	_, err := f.close(shift.ID, cash("w1", "100"))

	// THEN: It fails, stays ACTIVE and no cash is posted
	assert.ErrorIs(t, err, generic.ErrNoValidAssignments)
	got, err := f.engine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.ShiftActive, got.Status)
	assert.True(t, f.safeBalance(t).IsZero())
}

func TestClose_EmptyShift(t *testing.T) {
	f := newFixture(t)
	shift := f.open(t)

	closed, err := f.close(shift.ID)

	require.NoError(t, err)
	assert.True(t, closed.Statistics.TotalSales.IsZero())
	assert.Equal(t, settlement.Normal, closed.Statistics.Classification)
	assert.Nil(t, closed.Declared.CashPost)
}

// =============================================================================
// PRECONDITIONS
// =============================================================================

func TestClose_AlreadyClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "10", "0")
	_, err := f.close(shift.ID, cash("w1", "3000"))
	require.NoError(t, err)

	_, err = f.close(shift.ID, cash("w1", "3000"))
	assert.ErrorIs(t, err, generic.ErrAlreadyClosed)
	assert.True(t, generic.IsConflict(err))

	_, err = f.engine.Assign(ctx, settlement.AssignRequest{
		ShiftID: shift.ID, NozzleID: "n-b", WorkerID: "w2", StartReading: d("0"), Actor: supervisor,
	})
	assert.ErrorIs(t, err, generic.ErrAlreadyClosed)

	assert.True(t, f.safeBalance(t).Equal(d("3000")), "cash posted once")
}

func TestClose_OpenAssignments(t *testing.T) {
	// GIVEN: Two assignments, one never closed
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "10", "0")
	_, err := f.engine.Assign(ctx, settlement.AssignRequest{
		ShiftID: shift.ID, NozzleID: "n-b", WorkerID: "w2", StartReading: d("0"), Actor: supervisor,
	})
	require.NoError(t, err)

	// WHEN: The shift is closed
	_, err = f.close(shift.ID, cash("w1", "3000"))

	// THEN: The error says how many remain open
	assert.ErrorIs(t, err, generic.ErrIncompleteAssignments)
	var ie *generic.IncompleteAssignmentsError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 1, ie.Open)
}

func TestClose_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)

	_, err := f.engine.Close(ctx, settlement.CloseRequest{ShiftID: shift.ID})
	assert.ErrorIs(t, err, generic.ErrActorRequired)

	_, err = f.close(shift.ID, settlement.WorkerDeclaration{
		WorkerID: "w1",
		Tenders:  []settlement.Tender{settlement.CardTender{Amount: d("100")}},
	})
	assert.ErrorIs(t, err, generic.ErrInvalidTender)
	var te *generic.TenderError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "card", te.Kind)

	_, err = f.close(shift.ID, cash("w1", "-1"))
	assert.ErrorIs(t, err, generic.ErrInvalidTender)

	_, err = f.engine.Close(ctx, settlement.CloseRequest{
		ShiftID: shift.ID, ClosedBy: supervisor, ClosedAt: t0.Add(-time.Minute),
	})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	_, err = f.close("missing")
	assert.ErrorIs(t, err, generic.ErrShiftNotFound)
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

func TestAssign_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shift := f.open(t)
	assign := func(nozzle generic.NozzleID, start string) (*settlement.Assignment, error) {
		return f.engine.Assign(ctx, settlement.AssignRequest{
			ShiftID: shift.ID, NozzleID: nozzle, WorkerID: "w1", StartReading: d(start), Actor: supervisor,
		})
	}

	a, err := assign("n-a", "100")
	require.NoError(t, err)
	assert.Equal(t, settlement.AssignmentOpen, a.Status)

	_, err = assign("n-a", "100")
	assert.ErrorIs(t, err, generic.ErrNozzleInUse)

	_, err = assign("n-x", "0")
	assert.ErrorIs(t, err, generic.ErrInvalidInput, "nozzle of another station")

	_, err = assign("n-missing", "0")
	assert.ErrorIs(t, err, generic.ErrNozzleNotFound)

	_, err = assign("n-b", "-1")
	assert.ErrorIs(t, err, generic.ErrInvalidMeterReading)

	_, err = f.engine.Assign(ctx, settlement.AssignRequest{ShiftID: shift.ID, NozzleID: "n-b", WorkerID: "w1"})
	assert.ErrorIs(t, err, generic.ErrActorRequired)

	// The nozzle is free again once its assignment closes.
	_, err = f.engine.CloseAssignment(ctx, settlement.CloseAssignmentRequest{
		ShiftID: shift.ID, AssignmentID: a.ID, EndReading: d("150"), Actor: supervisor,
	})
	require.NoError(t, err)
	_, err = assign("n-a", "150")
	assert.NoError(t, err)

	_, err = f.engine.CloseAssignment(ctx, settlement.CloseAssignmentRequest{
		ShiftID: shift.ID, AssignmentID: a.ID, EndReading: d("160"), Actor: supervisor,
	})
	assert.ErrorIs(t, err, generic.ErrAlreadyClosed)

	_, err = f.engine.CloseAssignment(ctx, settlement.CloseAssignmentRequest{
		ShiftID: shift.ID, AssignmentID: "nope", EndReading: d("1"), Actor: supervisor,
	})
	assert.ErrorIs(t, err, generic.ErrAssignmentNotFound)

	got, err := f.engine.GetShift(ctx, shift.ID)
	require.NoError(t, err)
	assert.Len(t, got.Assignments, 2)
	assert.Equal(t, int64(3), got.Version)
}

func TestOpenShift_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.OpenShift(ctx, settlement.OpenRequest{StationID: "st1"})
	assert.ErrorIs(t, err, generic.ErrActorRequired)

	_, err = f.engine.OpenShift(ctx, settlement.OpenRequest{OpenedBy: supervisor})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)

	s, err := f.engine.OpenShift(ctx, settlement.OpenRequest{StationID: "st1", OpenedBy: supervisor})
	require.NoError(t, err)
	assert.True(t, s.StartTime.Equal(f.clock.Now()))
	assert.Equal(t, settlement.ShiftActive, s.Status)
}

// =============================================================================
// FOLLOW-UPS
// =============================================================================

func TestClose_FollowUpsThroughCollaborators(t *testing.T) {
	// GIVEN: Mocked inventory and cheque registry
	ctrl := gomock.NewController(t)
	inv := mocks.NewMockInventory(ctrl)
	chq := mocks.NewMockChequeRegistry(ctrl)
	f := newFixture(t, withInventory(inv), withCheques(chq))
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "100", "0")

	var decrement settlement.TankDecrement
	inv.EXPECT().DecrementTank(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, d settlement.TankDecrement) error {
			decrement = d
			return nil
		})
	var recorded []settlement.Cheque
	chq.EXPECT().RecordCheque(gomock.Any(), gomock.Any()).Times(2).
		DoAndReturn(func(_ context.Context, c settlement.Cheque) error {
			recorded = append(recorded, c)
			return nil
		})

	// WHEN: The shift closes with cash and two cheques
	closed, err := f.close(shift.ID, settlement.WorkerDeclaration{
		WorkerID: "w1",
		Tenders: []settlement.Tender{
			settlement.CashTender{Amount: d("10000")},
			settlement.ChequeTender{Amount: d("12000"), Number: "100001", BankID: "BOC", ChequeDate: t0},
			settlement.ChequeTender{Amount: d("8000"), Number: "100002", BankID: "HNB", ChequeDate: t0},
		},
	})

	// THEN: The tank is drawn down once and each cheque is recorded with a stable id
	require.NoError(t, err)
	assert.Equal(t, generic.TankID("tk-a"), decrement.TankID)
	assert.Equal(t, shift.ID, decrement.ShiftID)
	assert.True(t, decrement.Quantity.Equal(d("100")))

	require.Len(t, recorded, 2)
	assert.Equal(t, "chq_"+string(shift.ID)+"_1", recorded[0].ID)
	assert.Equal(t, "chq_"+string(shift.ID)+"_2", recorded[1].ID)
	assert.Equal(t, settlement.ChequePending, recorded[0].Status)
	assert.True(t, recorded[1].Amount.Equal(d("8000")))

	// AND: Only cash reaches the safe; cheques count toward the declaration
	assert.True(t, closed.Declared.Totals.Cheque.Equal(d("20000")))
	assert.True(t, closed.Statistics.TotalDeclared.Equal(d("30000")))
	assert.True(t, f.safeBalance(t).Equal(d("10000")))
}

func TestClose_FollowUpFailureDoesNotReopen(t *testing.T) {
	ctrl := gomock.NewController(t)
	inv := mocks.NewMockInventory(ctrl)
	f := newFixture(t, withInventory(inv))
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "10", "0")
	inv.EXPECT().DecrementTank(gomock.Any(), gomock.Any()).Return(generic.ErrTankNotFound)

	closed, err := f.close(shift.ID, cash("w1", "3000"))

	require.NoError(t, err)
	assert.Equal(t, settlement.ShiftClosed, closed.Status)
	assert.Equal(t, []string{"tank_decrement"}, f.runner.Failed())
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestClose_RacingClosersPostCashOnce(t *testing.T) {
	f := newFixture(t)
	shift := f.open(t)
	f.run(t, shift.ID, "n-a", "w1", "0", "10", "0")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.close(shift.ID, cash("w1", "3000"))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, generic.IsConflict(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.True(t, f.safeBalance(t).Equal(d("3000")))
}
