/*
payroll_test.go - Payroll aggregation

Tests for:
- The salary formula on a single settled shift
- Rest-day modes and the base-salary spill-over
- Overtime, commission, advances, loans
- Worker selection and input validation
- End to end from a shift closed by the settlement engine
*/
package payroll_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/payroll"
	"github.com/warp/station-ledger/pricing"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
	"github.com/warp/station-ledger/store/sqlstore"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	jan7  = time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)
	jan8  = time.Date(2025, 1, 8, 6, 0, 0, 0, time.UTC)
	jan10 = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
)

// =============================================================================
// IN-MEMORY SOURCE
// =============================================================================

type memorySource struct {
	workers []payroll.Worker
	shifts  []settlement.Shift
	loans   []payroll.Loan
}

func (m *memorySource) ListWorkers(_ context.Context, station generic.StationID) ([]payroll.Worker, error) {
	var out []payroll.Worker
	for _, w := range m.workers {
		if w.StationID == station {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memorySource) ClosedShifts(_ context.Context, station generic.StationID, p generic.Period) ([]settlement.Shift, error) {
	var out []settlement.Shift
	for _, s := range m.shifts {
		if s.StationID == station && s.Status == settlement.ShiftClosed && p.Contains(s.StartTime) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memorySource) ActiveLoans(_ context.Context, station generic.StationID, before time.Time) ([]payroll.Loan, error) {
	var out []payroll.Loan
	for _, l := range m.loans {
		if l.StationID == station && l.Status == payroll.LoanActive && l.CreatedAt.Before(before) {
			out = append(out, l)
		}
	}
	return out, nil
}

type shiftFixture struct {
	start          time.Time
	hours          int
	sales          string
	declared       string
	advance        string
	classification settlement.Classification
}

func closedShift(id string, worker generic.WorkerID, s shiftFixture) settlement.Shift {
	end := s.start.Add(time.Duration(s.hours) * time.Hour)
	sales, declared := d(s.sales), d(s.declared)
	advance := decimal.Zero
	if s.advance != "" {
		advance = d(s.advance)
	}
	return settlement.Shift{
		ID:        generic.ShiftID(id),
		StationID: "st1",
		StartTime: s.start,
		EndTime:   &end,
		Status:    settlement.ShiftClosed,
		Declared: &settlement.DeclaredAmounts{
			Workers: []settlement.VarianceRecord{{
				WorkerID:       worker,
				ComputedSales:  sales,
				DeclaredTotal:  declared,
				Advance:        advance,
				Variance:       sales.Sub(declared),
				Classification: s.classification,
			}},
		},
	}
}

func worker(id generic.WorkerID) payroll.Worker {
	return payroll.Worker{ID: id, StationID: "st1", Name: "Worker " + string(id), Active: true}
}

func compute(t *testing.T, src payroll.Source, policy payroll.Policy, q payroll.Query) []payroll.Record {
	t.Helper()
	recs, err := payroll.NewAggregator(src, policy, nil).Compute(context.Background(), q)
	require.NoError(t, err)
	return recs
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: want %s, got %s", field, want, got)
}

// =============================================================================
// FORMULA
// =============================================================================

func TestCompute_SingleShift(t *testing.T) {
	// GIVEN: One 8h shift with 55000 of sales and a 5000 credit to the worker
	src := &memorySource{
		workers: []payroll.Worker{worker("w1")},
		shifts: []settlement.Shift{closedShift("sh1", "w1", shiftFixture{
			start: jan8, hours: 8, sales: "55000", declared: "50000", classification: settlement.AddToSalary,
		})},
	}

	// WHEN: Payroll runs for [Jan 7, Jan 10)
	recs := compute(t, src, payroll.DefaultPolicy(), payroll.Query{
		StationID: "st1", Period: generic.Period{Start: jan7, End: jan10},
	})

	// THEN: gross 31555, EPF 2524.40, net 34030.60
	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 3, r.PeriodDays)
	assert.Equal(t, 1, r.DaysWorked)
	assert.Equal(t, 2, r.RestDaysTaken)
	assert.Equal(t, 0, r.ExcessRestDays)
	assert.Equal(t, 1, r.ShiftCount)
	assertMoney(t, "8", r.TotalHours, "total hours")
	assertMoney(t, "0", r.OvertimePay, "overtime")
	assertMoney(t, "55", r.Commission, "commission")
	assertMoney(t, "4500", r.AdjustedAllowance, "allowance")
	assertMoney(t, "5000", r.VarianceAdd, "variance add")
	assertMoney(t, "31555", r.Gross, "gross")
	assertMoney(t, "2524.40", r.EPF, "epf")
	assertMoney(t, "34030.60", r.Net, "net")
	require.Len(t, r.Shifts, 1)
	assert.Equal(t, "2025-01-08", r.Shifts[0].Date)
}

func TestCompute_OvertimeAdvancesAndLoans(t *testing.T) {
	// GIVEN: A 10h shift with a deduction, an advance and a loan rental
	src := &memorySource{
		workers: []payroll.Worker{worker("w1")},
		shifts: []settlement.Shift{closedShift("sh1", "w1", shiftFixture{
			start: jan8, hours: 10, sales: "999", declared: "1099", advance: "2000",
			classification: settlement.DeductFromSalary,
		})},
		loans: []payroll.Loan{
			{ID: "l1", WorkerID: "w1", StationID: "st1", MonthlyRental: d("1000"), Status: payroll.LoanActive, CreatedAt: jan7.AddDate(0, -1, 0)},
			{ID: "l2", WorkerID: "w1", StationID: "st1", MonthlyRental: d("700"), Status: payroll.LoanActive, CreatedAt: jan10.Add(time.Hour)},
			{ID: "l3", WorkerID: "w2", StationID: "st1", MonthlyRental: d("300"), Status: payroll.LoanActive, CreatedAt: jan7},
		},
	}

	// WHEN: Payroll runs
	recs := compute(t, src, payroll.DefaultPolicy(), payroll.Query{
		StationID: "st1", Period: generic.Period{Start: jan7, End: jan10},
	})

	// THEN: 2 hours of overtime at 27000/30/8*1.5, no commission under 1000
	require.Len(t, recs, 1)
	r := recs[0]
	assertMoney(t, "2", r.OvertimeHours, "overtime hours")
	assertMoney(t, "337.50", r.OvertimePay, "overtime pay")
	assertMoney(t, "0", r.Commission, "commission")
	assertMoney(t, "100", r.VarianceDeduct, "variance deduct")
	assertMoney(t, "2000", r.Advances, "advances")
	assertMoney(t, "1000", r.LoanRentals, "loan rentals")

	// gross = 27000 + 4500 + 337.5 = 31837.5; epf = 2547
	assertMoney(t, "31837.50", r.Gross, "gross")
	assertMoney(t, "2547", r.EPF, "epf")
	// net = 31837.5 - 100 - 2000 - 1000 - 2547
	assertMoney(t, "26190.50", r.Net, "net")
}

func TestCompute_WorkerOverrides(t *testing.T) {
	w := worker("w1")
	w.BaseSalary = d("30000")
	w.HolidayAllowance = d("3000")
	src := &memorySource{workers: []payroll.Worker{w}}

	recs := compute(t, src, payroll.DefaultPolicy(), payroll.Query{
		StationID: "st1", Period: generic.Period{Start: jan7, End: jan10},
	})

	require.Len(t, recs, 1)
	r := recs[0]
	assert.Equal(t, 0, r.ShiftCount)
	assert.Empty(t, r.Shifts)
	assertMoney(t, "30000", r.BaseSalary, "base")
	assertMoney(t, "3000", r.AdjustedAllowance, "allowance")
	assertMoney(t, "33000", r.Gross, "gross")
}

// =============================================================================
// REST DAYS
// =============================================================================

func TestCompute_RestDayModes(t *testing.T) {
	month := generic.BusinessMonth(2025, time.January, 7, time.UTC)
	src := &memorySource{
		workers: []payroll.Worker{worker("w1")},
		shifts: []settlement.Shift{closedShift("sh1", "w1", shiftFixture{
			start: jan8, hours: 8, sales: "0", declared: "0", classification: settlement.Normal,
		})},
	}

	cases := []struct {
		name              string
		mode              payroll.RestDayMode
		excessReducesBase bool
		restDeduction     string
		allowance         string
		baseDeduction     string
		gross             string
	}{
		{"excess only", payroll.RestDaysExcessOnly, false, "22500", "0", "0", "27000"},
		{"excess only spills into base", payroll.RestDaysExcessOnly, true, "22500", "0", "18000", "9000"},
		{"every day", payroll.RestDaysEveryDay, false, "4500", "0", "0", "27000"},
		{"every day with excess on base", payroll.RestDaysEveryDay, true, "4500", "0", "22500", "4500"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy := payroll.DefaultPolicy()
			policy.RestDayMode = tc.mode
			policy.ExcessReducesBase = tc.excessReducesBase

			recs := compute(t, src, policy, payroll.Query{StationID: "st1", Period: month})

			require.Len(t, recs, 1)
			r := recs[0]
			assert.Equal(t, 31, r.PeriodDays)
			assert.Equal(t, 1, r.DaysWorked)
			assert.Equal(t, 5, r.RestDaysTaken)
			assert.Equal(t, 25, r.ExcessRestDays)
			assertMoney(t, tc.restDeduction, r.RestDayDeduction, "rest deduction")
			assertMoney(t, tc.allowance, r.AdjustedAllowance, "allowance")
			assertMoney(t, tc.baseDeduction, r.BaseDeduction, "base deduction")
			assertMoney(t, tc.gross, r.Gross, "gross")
		})
	}
}

func TestCompute_EveryDayWithinAllowance(t *testing.T) {
	// Three unworked days, all within the allowance of five.
	src := &memorySource{
		workers: []payroll.Worker{worker("w1")},
		shifts: []settlement.Shift{closedShift("sh1", "w1", shiftFixture{
			start: jan8, hours: 8, sales: "0", declared: "0", classification: settlement.Normal,
		})},
	}
	period := generic.Period{Start: jan7, End: jan7.AddDate(0, 0, 4)}

	policy := payroll.DefaultPolicy()
	policy.RestDayMode = payroll.RestDaysEveryDay
	every := compute(t, src, policy, payroll.Query{StationID: "st1", Period: period})[0]
	excess := compute(t, src, payroll.DefaultPolicy(), payroll.Query{StationID: "st1", Period: period})[0]

	assertMoney(t, "1800", every.AdjustedAllowance, "every day allowance")
	assertMoney(t, "4500", excess.AdjustedAllowance, "excess only allowance")
}

func TestCompute_DistinctDaysCountedOnce(t *testing.T) {
	src := &memorySource{
		workers: []payroll.Worker{worker("w1")},
		shifts: []settlement.Shift{
			closedShift("sh1", "w1", shiftFixture{start: jan8, hours: 4, sales: "0", declared: "0", classification: settlement.Normal}),
			closedShift("sh2", "w1", shiftFixture{start: jan8.Add(6 * time.Hour), hours: 4, sales: "0", declared: "0", classification: settlement.Normal}),
		},
	}

	r := compute(t, src, payroll.DefaultPolicy(), payroll.Query{
		StationID: "st1", Period: generic.Period{Start: jan7, End: jan10},
	})[0]

	assert.Equal(t, 2, r.ShiftCount)
	assert.Equal(t, 1, r.DaysWorked)
	assertMoney(t, "8", r.TotalHours, "hours")
	assertMoney(t, "0", r.OvertimeHours, "overtime is per shift")
}

// =============================================================================
// SELECTION
// =============================================================================

func TestCompute_Selection(t *testing.T) {
	inactive := worker("w3")
	inactive.Active = false
	src := &memorySource{
		workers: []payroll.Worker{worker("w2"), worker("w1"), inactive},
		shifts: []settlement.Shift{
			closedShift("sh1", "w2", shiftFixture{start: jan8, hours: 8, sales: "2500", declared: "2500", classification: settlement.Normal}),
			closedShift("sh-out", "w2", shiftFixture{start: jan10, hours: 8, sales: "9000", declared: "9000", classification: settlement.Normal}),
		},
	}
	agg := payroll.NewAggregator(src, payroll.DefaultPolicy(), nil)
	ctx := context.Background()
	period := generic.Period{Start: jan7, End: jan10}

	all, err := agg.Compute(ctx, payroll.Query{StationID: "st1", Period: period})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, generic.WorkerID("w1"), all[0].WorkerID)
	assert.Equal(t, generic.WorkerID("w2"), all[1].WorkerID)
	assertMoney(t, "2500", all[1].TotalSales, "shift on the period end belongs to the next period")

	one, err := agg.Compute(ctx, payroll.Query{StationID: "st1", Period: period, WorkerID: "w2"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assertMoney(t, "2", one[0].Commission, "commission")

	_, err = agg.Compute(ctx, payroll.Query{StationID: "st1", Period: period, WorkerID: "w3"})
	assert.ErrorIs(t, err, generic.ErrWorkerNotFound)

	_, err = agg.Compute(ctx, payroll.Query{StationID: "st1", Period: period, WorkerID: "ghost"})
	assert.ErrorIs(t, err, generic.ErrWorkerNotFound)

	_, err = agg.Compute(ctx, payroll.Query{StationID: "st1", Period: generic.Period{Start: jan10, End: jan7}})
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)

	_, err = agg.Compute(ctx, payroll.Query{Period: period})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestParseRestDayMode(t *testing.T) {
	m, err := payroll.ParseRestDayMode("")
	require.NoError(t, err)
	assert.Equal(t, payroll.RestDaysExcessOnly, m)

	m, err = payroll.ParseRestDayMode("every_day")
	require.NoError(t, err)
	assert.Equal(t, payroll.RestDaysEveryDay, m)

	_, err = payroll.ParseRestDayMode("never")
	assert.Error(t, err)
}

// =============================================================================
// END TO END
// =============================================================================

func TestCompute_FromSettledShift(t *testing.T) {
	// GIVEN: A shift closed by the settlement engine on a SQLite store
	ctx := context.Background()
	store, err := sqlstore.New(sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	clock := generic.NewFixedClock(jan8.Add(9 * time.Hour))
	ledger := safe.NewLedger(store, safe.DefaultConfig(), clock, nil, nil)
	resolver := pricing.NewResolver(store)
	actor := generic.Actor{ID: "sup"}

	require.NoError(t, store.SaveWorker(ctx, payroll.Worker{ID: "w1", StationID: "st1", Name: "Kamal", Active: true}))
	require.NoError(t, store.SaveNozzle(ctx, settlement.Nozzle{ID: "n-a", StationID: "st1", TankID: "tk-a", FuelID: "petrol92"}))
	require.NoError(t, store.SaveNozzle(ctx, settlement.Nozzle{ID: "n-b", StationID: "st1", TankID: "tk-b", FuelID: "diesel"}))
	for fuel, price := range map[generic.FuelID]string{"petrol92": "300", "diesel": "400"} {
		_, err := resolver.Register(ctx, store, pricing.Price{
			StationID: "st1", FuelID: fuel, Amount: d(price), EffectiveAt: jan7, CreatedBy: "admin",
		})
		require.NoError(t, err)
	}

	engine := settlement.NewEngine(settlement.Deps{
		Store: store, Ledger: ledger, Prices: resolver, Clock: clock,
	}, settlement.DefaultConfig())
	shift, err := engine.OpenShift(ctx, settlement.OpenRequest{StationID: "st1", StartTime: jan8, OpenedBy: actor})
	require.NoError(t, err)
	for nozzle, readings := range map[generic.NozzleID][2]string{"n-a": {"1000", "1100"}, "n-b": {"2000", "2050"}} {
		a, err := engine.Assign(ctx, settlement.AssignRequest{
			ShiftID: shift.ID, NozzleID: nozzle, WorkerID: "w1", StartReading: d(readings[0]), Actor: actor,
		})
		require.NoError(t, err)
		_, err = engine.CloseAssignment(ctx, settlement.CloseAssignmentRequest{
			ShiftID: shift.ID, AssignmentID: a.ID, EndReading: d(readings[1]), Actor: actor,
		})
		require.NoError(t, err)
	}
	_, err = engine.Close(ctx, settlement.CloseRequest{
		ShiftID: shift.ID,
		Declarations: []settlement.WorkerDeclaration{{
			WorkerID: "w1",
			Tenders:  []settlement.Tender{settlement.CashTender{Amount: d("50000")}},
		}},
		Ancillary: []settlement.AncillaryRevenue{{WorkerID: "w1", Source: "shop", Amount: d("5000")}},
		ClosedBy:  actor,
		ClosedAt:  jan8.Add(8 * time.Hour),
	})
	require.NoError(t, err)

	// WHEN: Payroll runs from the stored snapshot
	recs := compute(t, store, payroll.DefaultPolicy(), payroll.Query{
		StationID: "st1", Period: generic.Period{Start: jan7, End: jan10},
	})

	// THEN: The figures match the hand-computed example
	require.Len(t, recs, 1)
	assertMoney(t, "55000", recs[0].TotalSales, "sales")
	assertMoney(t, "31555", recs[0].Gross, "gross")
	assertMoney(t, "2524.40", recs[0].EPF, "epf")
	assertMoney(t, "34030.60", recs[0].Net, "net")
}
