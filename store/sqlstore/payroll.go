package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/payroll"
	"github.com/warp/station-ledger/settlement"
)

// =============================================================================
// WORKERS AND LOANS (payroll.Source)
// =============================================================================

type workerRow struct {
	ID               string `db:"id"`
	StationID        string `db:"station_id"`
	Name             string `db:"name"`
	BaseSalary       string `db:"base_salary"`
	HolidayAllowance string `db:"holiday_allowance"`
	Active           int    `db:"active"`
}

// ListWorkers returns every worker of the station, active or not.
func (c conn) ListWorkers(ctx context.Context, stationID generic.StationID) ([]payroll.Worker, error) {
	var rows []workerRow
	err := c.list(ctx, &rows, `SELECT id, station_id, name, base_salary, holiday_allowance, active
		FROM workers WHERE station_id = ? ORDER BY id`, string(stationID))
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]payroll.Worker, 0, len(rows))
	for _, r := range rows {
		var d decoder
		out = append(out, payroll.Worker{
			ID:               generic.WorkerID(r.ID),
			StationID:        generic.StationID(r.StationID),
			Name:             r.Name,
			BaseSalary:       d.dec(r.BaseSalary),
			HolidayAllowance: d.dec(r.HolidayAllowance),
			Active:           r.Active != 0,
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return out, nil
}

// SaveWorker creates or replaces a worker.
func (c conn) SaveWorker(ctx context.Context, w payroll.Worker) error {
	_, err := c.exec(ctx, `INSERT INTO workers (id, station_id, name, base_salary, holiday_allowance, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			station_id = excluded.station_id,
			name = excluded.name,
			base_salary = excluded.base_salary,
			holiday_allowance = excluded.holiday_allowance,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		string(w.ID), string(w.StationID), w.Name, w.BaseSalary.String(), w.HolidayAllowance.String(),
		boolInt(w.Active), generic.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save worker: %w", err)
	}
	return nil
}

type loanRow struct {
	ID            string `db:"id"`
	WorkerID      string `db:"worker_id"`
	StationID     string `db:"station_id"`
	Principal     string `db:"principal"`
	MonthlyRental string `db:"monthly_rental"`
	Status        string `db:"status"`
	CreatedAt     string `db:"created_at"`
}

// ActiveLoans returns the station's ACTIVE loans created before the cutoff.
func (c conn) ActiveLoans(ctx context.Context, stationID generic.StationID, before time.Time) ([]payroll.Loan, error) {
	var rows []loanRow
	err := c.list(ctx, &rows, `SELECT id, worker_id, station_id, principal, monthly_rental, status, created_at
		FROM worker_loans
		WHERE station_id = ? AND status = ? AND created_at < ?
		ORDER BY created_at`,
		string(stationID), string(payroll.LoanActive), generic.FormatTime(before))
	if err != nil {
		return nil, fmt.Errorf("list active loans: %w", err)
	}
	out := make([]payroll.Loan, 0, len(rows))
	for _, r := range rows {
		var d decoder
		out = append(out, payroll.Loan{
			ID:            generic.LoanID(r.ID),
			WorkerID:      generic.WorkerID(r.WorkerID),
			StationID:     generic.StationID(r.StationID),
			Principal:     d.dec(r.Principal),
			MonthlyRental: d.dec(r.MonthlyRental),
			Status:        payroll.LoanStatus(r.Status),
			CreatedAt:     d.time(r.CreatedAt),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return out, nil
}

// SaveLoan creates or replaces a loan.
func (c conn) SaveLoan(ctx context.Context, l payroll.Loan) error {
	_, err := c.exec(ctx, `INSERT INTO worker_loans (id, worker_id, station_id, principal, monthly_rental, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			worker_id = excluded.worker_id,
			station_id = excluded.station_id,
			principal = excluded.principal,
			monthly_rental = excluded.monthly_rental,
			status = excluded.status`,
		string(l.ID), string(l.WorkerID), string(l.StationID), l.Principal.String(), l.MonthlyRental.String(),
		string(l.Status), generic.FormatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save loan: %w", err)
	}
	return nil
}

// ClosedShifts implements payroll.Source. Assignments are not loaded; the
// frozen snapshot carries everything payroll reads.
func (c conn) ClosedShifts(ctx context.Context, stationID generic.StationID, period generic.Period) ([]settlement.Shift, error) {
	shifts, err := c.ListShifts(ctx, stationID, settlement.ShiftClosed, period)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(shifts)-1; i < j; i, j = i+1, j-1 {
		shifts[i], shifts[j] = shifts[j], shifts[i]
	}
	return shifts, nil
}
