/*
Package payroll turns a month of closed shifts into per-worker pay.

PURPOSE:
  Closed shifts carry a frozen per-worker VarianceRecord. The aggregator
  sums those over a business period, adds the fixed salary components,
  and applies the deductions.

FORMULA (per worker, period [start, end)):
  gross = base + adjustedAllowance + overtime + commission
  net   = gross + varianceAdd - varianceDeduct - advances - loanRentals - EPF
  EPF   = epfRate * gross

  commission = floor(totalSales / 1000) * commissionPerThousand
  overtime   = hoursBeyondStandard * (base / 30 / standardHours) * otMultiplier

REST DAYS:
  unworked = periodDays - distinctDaysWorked
  excess_only  each unworked day beyond the allowance deducts the penalty
               from the holiday allowance
  every_day    each unworked day up to the allowance deducts the penalty
  The allowance never goes below zero. With ExcessReducesBase the part
  that could not be charged to the allowance reduces base salary.

ROUNDING:
  Every figure is carried at full precision and rounded to 2 places only
  when the Record is built.

SEE ALSO:
  - settlement/types.go: VarianceRecord
  - generic/period.go: BusinessMonth
*/
package payroll

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/settlement"
)

// =============================================================================
// INPUTS
// =============================================================================

// Worker is a pump attendant on the payroll.
type Worker struct {
	ID               generic.WorkerID
	StationID        generic.StationID
	Name             string
	BaseSalary       decimal.Decimal // zero uses the policy default
	HolidayAllowance decimal.Decimal // zero uses the policy default
	Active           bool
}

type LoanStatus string

const (
	LoanActive LoanStatus = "ACTIVE"
	LoanPaid   LoanStatus = "PAID"
)

// Loan is a staff loan repaid by a fixed monthly rental.
type Loan struct {
	ID            generic.LoanID
	WorkerID      generic.WorkerID
	StationID     generic.StationID
	Principal     decimal.Decimal
	MonthlyRental decimal.Decimal
	Status        LoanStatus
	CreatedAt     time.Time
}

// Source supplies the aggregator.
type Source interface {
	ListWorkers(ctx context.Context, stationID generic.StationID) ([]Worker, error)

	// ClosedShifts returns CLOSED shifts of the station whose start time
	// falls in period.
	ClosedShifts(ctx context.Context, stationID generic.StationID, period generic.Period) ([]settlement.Shift, error)

	// ActiveLoans returns ACTIVE loans of the station created before the cutoff.
	ActiveLoans(ctx context.Context, stationID generic.StationID, before time.Time) ([]Loan, error)
}

type RestDayMode string

const (
	RestDaysExcessOnly RestDayMode = "excess_only"
	RestDaysEveryDay   RestDayMode = "every_day"
)

// ParseRestDayMode validates a configured mode.
func ParseRestDayMode(s string) (RestDayMode, error) {
	switch RestDayMode(s) {
	case "", RestDaysExcessOnly:
		return RestDaysExcessOnly, nil
	case RestDaysEveryDay:
		return RestDaysEveryDay, nil
	default:
		return "", fmt.Errorf("unknown rest day mode %q", s)
	}
}

// Policy holds the station payroll constants.
type Policy struct {
	BaseSalary            decimal.Decimal
	HolidayAllowance      decimal.Decimal
	RestDayPenalty        decimal.Decimal
	AllowedRestDays       int
	EPFRate               decimal.Decimal
	OvertimeMultiplier    decimal.Decimal
	StandardShiftHours    decimal.Decimal
	CommissionPerThousand decimal.Decimal
	PeriodStartDay        int
	RestDayMode           RestDayMode
	ExcessReducesBase     bool
	Location              *time.Location
}

// DefaultPolicy is the policy stations run with unless configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		BaseSalary:            decimal.NewFromInt(27000),
		HolidayAllowance:      decimal.NewFromInt(4500),
		RestDayPenalty:        decimal.NewFromInt(900),
		AllowedRestDays:       5,
		EPFRate:               decimal.RequireFromString("0.08"),
		OvertimeMultiplier:    decimal.RequireFromString("1.5"),
		StandardShiftHours:    decimal.NewFromInt(8),
		CommissionPerThousand: decimal.NewFromInt(1),
		PeriodStartDay:        7,
		RestDayMode:           RestDaysExcessOnly,
		Location:              time.UTC,
	}
}

// =============================================================================
// OUTPUTS
// =============================================================================

// ShiftDetail is one shift's contribution to a worker's pay.
type ShiftDetail struct {
	ShiftID        generic.ShiftID           `json:"shift_id"`
	Date           string                    `json:"date"`
	Hours          decimal.Decimal           `json:"hours"`
	OvertimeHours  decimal.Decimal           `json:"overtime_hours"`
	ComputedSales  decimal.Decimal           `json:"computed_sales"`
	DeclaredTotal  decimal.Decimal           `json:"declared_total"`
	Advance        decimal.Decimal           `json:"advance"`
	Variance       decimal.Decimal           `json:"variance"`
	Classification settlement.Classification `json:"classification"`
}

// Record is one worker's payroll for the period.
type Record struct {
	WorkerID          generic.WorkerID  `json:"worker_id"`
	WorkerName        string            `json:"worker_name"`
	StationID         generic.StationID `json:"station_id"`
	PeriodStart       time.Time         `json:"period_start"`
	PeriodEnd         time.Time         `json:"period_end"`
	PeriodDays        int               `json:"period_days"`
	DaysWorked        int               `json:"days_worked"`
	RestDaysTaken     int               `json:"rest_days_taken"`
	ExcessRestDays    int               `json:"excess_rest_days"`
	ShiftCount        int               `json:"shift_count"`
	TotalHours        decimal.Decimal   `json:"total_hours"`
	OvertimeHours     decimal.Decimal   `json:"overtime_hours"`
	BaseSalary        decimal.Decimal   `json:"base_salary"`
	HolidayAllowance  decimal.Decimal   `json:"holiday_allowance"`
	RestDayDeduction  decimal.Decimal   `json:"rest_day_deduction"`
	AdjustedAllowance decimal.Decimal   `json:"adjusted_allowance"`
	BaseDeduction     decimal.Decimal   `json:"base_deduction"`
	OvertimePay       decimal.Decimal   `json:"overtime_pay"`
	TotalSales        decimal.Decimal   `json:"total_sales"`
	Commission        decimal.Decimal   `json:"commission"`
	VarianceAdd       decimal.Decimal   `json:"variance_add"`
	VarianceDeduct    decimal.Decimal   `json:"variance_deduct"`
	Advances          decimal.Decimal   `json:"advances"`
	LoanRentals       decimal.Decimal   `json:"loan_rentals"`
	Gross             decimal.Decimal   `json:"gross"`
	EPF               decimal.Decimal   `json:"epf"`
	Net               decimal.Decimal   `json:"net"`
	Shifts            []ShiftDetail     `json:"shifts"`
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Query selects a station, a period and optionally one worker.
type Query struct {
	StationID generic.StationID
	Period    generic.Period
	WorkerID  generic.WorkerID
}

// Aggregator computes payroll records.
type Aggregator struct {
	source Source
	policy Policy
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(source Source, policy Policy, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	if policy.RestDayMode == "" {
		policy.RestDayMode = RestDaysExcessOnly
	}
	if !policy.StandardShiftHours.IsPositive() {
		policy.StandardShiftHours = decimal.NewFromInt(8)
	}
	return &Aggregator{source: source, policy: policy, logger: logger}
}

// Policy returns the effective policy.
func (a *Aggregator) Policy() Policy { return a.policy }

// Compute returns one record per active worker, ordered by worker ID.
// Workers with no shifts in the period still get a record.
func (a *Aggregator) Compute(ctx context.Context, q Query) ([]Record, error) {
	if q.StationID == "" {
		return nil, fmt.Errorf("%w: station_id is required", generic.ErrInvalidInput)
	}
	if !q.Period.End.After(q.Period.Start) {
		return nil, generic.ErrInvalidPeriod
	}

	workers, err := a.source.ListWorkers(ctx, q.StationID)
	if err != nil {
		return nil, err
	}
	shifts, err := a.source.ClosedShifts(ctx, q.StationID, q.Period)
	if err != nil {
		return nil, err
	}
	loans, err := a.source.ActiveLoans(ctx, q.StationID, q.Period.End)
	if err != nil {
		return nil, err
	}

	selected := make([]Worker, 0, len(workers))
	for _, w := range workers {
		if q.WorkerID != "" && w.ID != q.WorkerID {
			continue
		}
		if !w.Active {
			continue
		}
		selected = append(selected, w)
	}
	if q.WorkerID != "" && len(selected) == 0 {
		return nil, fmt.Errorf("%w: %s", generic.ErrWorkerNotFound, q.WorkerID)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })

	rentals := make(map[generic.WorkerID]decimal.Decimal)
	for _, l := range loans {
		if l.Status != LoanActive {
			continue
		}
		rentals[l.WorkerID] = rentals[l.WorkerID].Add(l.MonthlyRental)
	}

	records := make([]Record, 0, len(selected))
	for _, w := range selected {
		records = append(records, a.computeWorker(w, q, shifts, rentals[w.ID]))
	}
	a.logger.Info("payroll computed",
		zap.String("station_id", string(q.StationID)),
		zap.String("period", q.Period.String()),
		zap.Int("workers", len(records)),
		zap.Int("shifts", len(shifts)),
	)
	return records, nil
}

var (
	thirty   = decimal.NewFromInt(30)
	thousand = decimal.NewFromInt(1000)
	secsHour = decimal.NewFromInt(3600)
)

func (a *Aggregator) computeWorker(w Worker, q Query, shifts []settlement.Shift, loanRentals decimal.Decimal) Record {
	p := a.policy
	base := w.BaseSalary
	if !base.IsPositive() {
		base = p.BaseSalary
	}
	holiday := w.HolidayAllowance
	if !holiday.IsPositive() {
		holiday = p.HolidayAllowance
	}

	var (
		details        []ShiftDetail
		totalHours     = decimal.Zero
		overtimeHours  = decimal.Zero
		totalSales     = decimal.Zero
		varianceAdd    = decimal.Zero
		varianceDeduct = decimal.Zero
		advances       = decimal.Zero
		days           = make(map[string]struct{})
	)

	ordered := make([]settlement.Shift, len(shifts))
	copy(ordered, shifts)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StartTime.Before(ordered[j].StartTime) })

	for _, s := range ordered {
		rec, ok := workerRecord(s, w.ID)
		if !ok {
			continue
		}
		hours := decimal.Zero
		if s.EndTime != nil {
			hours = decimal.NewFromInt(int64(s.EndTime.Sub(s.StartTime) / time.Second)).Div(secsHour)
		}
		ot := generic.ClampZero(hours.Sub(p.StandardShiftHours))
		day := generic.DayOf(s.StartTime, p.Location).Format("2006-01-02")
		days[day] = struct{}{}

		totalHours = totalHours.Add(hours)
		overtimeHours = overtimeHours.Add(ot)
		totalSales = totalSales.Add(rec.ComputedSales)
		advances = advances.Add(rec.Advance)
		switch rec.Classification {
		case settlement.AddToSalary:
			varianceAdd = varianceAdd.Add(rec.Variance.Abs())
		case settlement.DeductFromSalary:
			varianceDeduct = varianceDeduct.Add(rec.Variance.Abs())
		}

		details = append(details, ShiftDetail{
			ShiftID:        s.ID,
			Date:           day,
			Hours:          generic.Round2(hours),
			OvertimeHours:  generic.Round2(ot),
			ComputedSales:  generic.Round2(rec.ComputedSales),
			DeclaredTotal:  generic.Round2(rec.DeclaredTotal),
			Advance:        generic.Round2(rec.Advance),
			Variance:       generic.Round2(rec.Variance),
			Classification: rec.Classification,
		})
	}

	periodDays := q.Period.Days(p.Location)
	worked := len(days)
	unworked := periodDays - worked
	if unworked < 0 {
		unworked = 0
	}
	taken := unworked
	if taken > p.AllowedRestDays {
		taken = p.AllowedRestDays
	}
	excess := unworked - taken

	var chargedDays int
	switch p.RestDayMode {
	case RestDaysEveryDay:
		chargedDays = taken
	default:
		chargedDays = excess
	}
	restDeduction := p.RestDayPenalty.Mul(decimal.NewFromInt(int64(chargedDays)))
	adjustedAllowance := generic.ClampZero(holiday.Sub(restDeduction))

	baseDeduction := decimal.Zero
	if p.ExcessReducesBase {
		switch p.RestDayMode {
		case RestDaysEveryDay:
			baseDeduction = p.RestDayPenalty.Mul(decimal.NewFromInt(int64(excess)))
		default:
			baseDeduction = generic.ClampZero(restDeduction.Sub(holiday))
		}
	}
	effectiveBase := generic.ClampZero(base.Sub(baseDeduction))

	overtimePay := overtimeHours.Mul(base.Div(thirty).Div(p.StandardShiftHours)).Mul(p.OvertimeMultiplier)
	commission := totalSales.Div(thousand).Floor().Mul(p.CommissionPerThousand)

	gross := effectiveBase.Add(adjustedAllowance).Add(overtimePay).Add(commission)
	epf := gross.Mul(p.EPFRate)
	net := gross.Add(varianceAdd).Sub(varianceDeduct).Sub(advances).Sub(loanRentals).Sub(epf)

	if details == nil {
		details = []ShiftDetail{}
	}
	return Record{
		WorkerID:          w.ID,
		WorkerName:        w.Name,
		StationID:         q.StationID,
		PeriodStart:       q.Period.Start,
		PeriodEnd:         q.Period.End,
		PeriodDays:        periodDays,
		DaysWorked:        worked,
		RestDaysTaken:     taken,
		ExcessRestDays:    excess,
		ShiftCount:        len(details),
		TotalHours:        generic.Round2(totalHours),
		OvertimeHours:     generic.Round2(overtimeHours),
		BaseSalary:        generic.Round2(base),
		HolidayAllowance:  generic.Round2(holiday),
		RestDayDeduction:  generic.Round2(restDeduction),
		AdjustedAllowance: generic.Round2(adjustedAllowance),
		BaseDeduction:     generic.Round2(baseDeduction),
		OvertimePay:       generic.Round2(overtimePay),
		TotalSales:        generic.Round2(totalSales),
		Commission:        generic.Round2(commission),
		VarianceAdd:       generic.Round2(varianceAdd),
		VarianceDeduct:    generic.Round2(varianceDeduct),
		Advances:          generic.Round2(advances),
		LoanRentals:       generic.Round2(loanRentals),
		Gross:             generic.Round2(gross),
		EPF:               generic.Round2(epf),
		Net:               generic.Round2(net),
		Shifts:            details,
	}
}

// workerRecord finds the worker's frozen settlement in a closed shift.
func workerRecord(s settlement.Shift, id generic.WorkerID) (settlement.VarianceRecord, bool) {
	if s.Declared == nil {
		return settlement.VarianceRecord{}, false
	}
	for _, r := range s.Declared.Workers {
		if r.WorkerID == id {
			return r, true
		}
	}
	return settlement.VarianceRecord{}, false
}
