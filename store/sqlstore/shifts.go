package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/settlement"
)

// =============================================================================
// SHIFTS (settlement.Store / settlement.Tx)
// =============================================================================

type shiftRow struct {
	ID         string         `db:"id"`
	StationID  string         `db:"station_id"`
	StartTime  string         `db:"start_time"`
	EndTime    sql.NullString `db:"end_time"`
	Status     string         `db:"status"`
	OpenedBy   string         `db:"opened_by"`
	ClosedBy   sql.NullString `db:"closed_by"`
	Version    int64          `db:"version"`
	Statistics sql.NullString `db:"statistics_json"`
	Declared   sql.NullString `db:"declared_json"`
	CreatedAt  string         `db:"created_at"`
	UpdatedAt  string         `db:"updated_at"`
}

const shiftColumns = `id, station_id, start_time, end_time, status, opened_by, closed_by, version,
	statistics_json, declared_json, created_at, updated_at`

func (r shiftRow) toShift() (*settlement.Shift, error) {
	var d decoder
	s := &settlement.Shift{
		ID:        generic.ShiftID(r.ID),
		StationID: generic.StationID(r.StationID),
		StartTime: d.time(r.StartTime),
		EndTime:   d.optTime(r.EndTime),
		Status:    settlement.ShiftStatus(r.Status),
		OpenedBy:  r.OpenedBy,
		ClosedBy:  r.ClosedBy.String,
		Version:   r.Version,
		CreatedAt: d.time(r.CreatedAt),
		UpdatedAt: d.time(r.UpdatedAt),
	}
	if d.err != nil {
		return nil, d.err
	}
	if r.Statistics.Valid {
		s.Statistics = &settlement.Statistics{}
		if err := json.Unmarshal([]byte(r.Statistics.String), s.Statistics); err != nil {
			return nil, fmt.Errorf("decode shift statistics: %w", err)
		}
	}
	if r.Declared.Valid {
		s.Declared = &settlement.DeclaredAmounts{}
		if err := json.Unmarshal([]byte(r.Declared.String), s.Declared); err != nil {
			return nil, fmt.Errorf("decode shift declarations: %w", err)
		}
	}
	return s, nil
}

type assignmentRow struct {
	ID               string         `db:"id"`
	ShiftID          string         `db:"shift_id"`
	NozzleID         string         `db:"nozzle_id"`
	WorkerID         string         `db:"worker_id"`
	StartReading     string         `db:"start_reading"`
	EndReading       sql.NullString `db:"end_reading"`
	ReturnedQuantity string         `db:"returned_quantity"`
	Status           string         `db:"status"`
	AssignedAt       string         `db:"assigned_at"`
	ClosedAt         sql.NullString `db:"closed_at"`
}

const assignmentColumns = `id, shift_id, nozzle_id, worker_id, start_reading, end_reading,
	returned_quantity, status, assigned_at, closed_at`

func (r assignmentRow) toAssignment() (settlement.Assignment, error) {
	var d decoder
	a := settlement.Assignment{
		ID:                   generic.AssignmentID(r.ID),
		ShiftID:              generic.ShiftID(r.ShiftID),
		NozzleID:             generic.NozzleID(r.NozzleID),
		WorkerID:             generic.WorkerID(r.WorkerID),
		StartReading:         d.dec(r.StartReading),
		EndReading:           d.optDec(r.EndReading),
		ReturnedTestQuantity: d.dec(r.ReturnedQuantity),
		Status:               settlement.AssignmentStatus(r.Status),
		AssignedAt:           d.time(r.AssignedAt),
		ClosedAt:             d.optTime(r.ClosedAt),
	}
	return a, d.err
}

// CreateShift inserts a new shift.
func (c conn) CreateShift(ctx context.Context, s settlement.Shift) error {
	_, err := c.exec(ctx, `INSERT INTO shifts (`+shiftColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(s.ID), string(s.StationID), generic.FormatTime(s.StartTime), nullTime(s.EndTime),
		string(s.Status), s.OpenedBy, nullString(s.ClosedBy), s.Version,
		sql.NullString{}, sql.NullString{},
		generic.FormatTime(s.CreatedAt), generic.FormatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create shift: %w", err)
	}
	return nil
}

// GetShift loads the shift with its assignments ordered by assignment time.
func (c conn) GetShift(ctx context.Context, id generic.ShiftID) (*settlement.Shift, error) {
	var row shiftRow
	err := c.get(ctx, &row, `SELECT `+shiftColumns+` FROM shifts WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrShiftNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get shift: %w", err)
	}
	s, err := row.toShift()
	if err != nil {
		return nil, err
	}

	var rows []assignmentRow
	err = c.list(ctx, &rows, `SELECT `+assignmentColumns+` FROM assignments
		WHERE shift_id = ? ORDER BY assigned_at ASC, id ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	s.Assignments = make([]settlement.Assignment, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAssignment()
		if err != nil {
			return nil, err
		}
		s.Assignments = append(s.Assignments, a)
	}
	return s, nil
}

// LockShift takes the shift's row lock on PostgreSQL.
func (c conn) LockShift(ctx context.Context, id generic.ShiftID) error {
	return c.lockRow(ctx, "shifts", string(id), generic.ErrShiftNotFound)
}

// InsertAssignment adds an assignment row.
func (c conn) InsertAssignment(ctx context.Context, a settlement.Assignment) error {
	_, err := c.exec(ctx, `INSERT INTO assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), string(a.ShiftID), string(a.NozzleID), string(a.WorkerID),
		a.StartReading.String(), nullDecimal(a.EndReading), a.ReturnedTestQuantity.String(),
		string(a.Status), generic.FormatTime(a.AssignedAt), nullTime(a.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// UpdateAssignment rewrites the mutable columns of an assignment.
func (c conn) UpdateAssignment(ctx context.Context, a settlement.Assignment) error {
	res, err := c.exec(ctx, `UPDATE assignments
		SET end_reading = ?, returned_quantity = ?, status = ?, closed_at = ?
		WHERE id = ?`,
		nullDecimal(a.EndReading), a.ReturnedTestQuantity.String(), string(a.Status), nullTime(a.ClosedAt),
		string(a.ID),
	)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrAssignmentNotFound
	}
	return nil
}

// TouchShift bumps the version if it is still expected.
func (c conn) TouchShift(ctx context.Context, id generic.ShiftID, expected int64, at time.Time) error {
	res, err := c.exec(ctx, `UPDATE shifts SET version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		generic.FormatTime(at), string(id), expected)
	if err != nil {
		return fmt.Errorf("touch shift: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

// SaveClosedShift writes the CLOSED snapshot if the row is still ACTIVE at
// the expected version.
func (c conn) SaveClosedShift(ctx context.Context, s settlement.Shift, expected int64) error {
	stats, err := json.Marshal(s.Statistics)
	if err != nil {
		return fmt.Errorf("encode shift statistics: %w", err)
	}
	declared, err := json.Marshal(s.Declared)
	if err != nil {
		return fmt.Errorf("encode shift declarations: %w", err)
	}
	res, err := c.exec(ctx, `UPDATE shifts
		SET status = ?, end_time = ?, closed_by = ?, statistics_json = ?, declared_json = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		string(settlement.ShiftClosed), nullTime(s.EndTime), nullString(s.ClosedBy),
		string(stats), string(declared), generic.FormatTime(s.UpdatedAt),
		string(s.ID), string(settlement.ShiftActive), expected,
	)
	if err != nil {
		return fmt.Errorf("save closed shift: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrConcurrentModification
	}
	return nil
}

// ListShifts returns the station's shifts started in period, newest first.
// Assignments are not loaded.
func (c conn) ListShifts(ctx context.Context, stationID generic.StationID, status settlement.ShiftStatus, period generic.Period) ([]settlement.Shift, error) {
	query := `SELECT ` + shiftColumns + ` FROM shifts
		WHERE station_id = ? AND start_time >= ? AND start_time < ?`
	args := []any{string(stationID), generic.FormatTime(period.Start), generic.FormatTime(period.End)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY start_time DESC`

	var rows []shiftRow
	if err := c.list(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list shifts: %w", err)
	}
	out := make([]settlement.Shift, 0, len(rows))
	for _, r := range rows {
		s, err := r.toShift()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// =============================================================================
// REGISTRY - Nozzles and tanks
// =============================================================================

type nozzleRow struct {
	ID        string `db:"id"`
	StationID string `db:"station_id"`
	TankID    string `db:"tank_id"`
	FuelID    string `db:"fuel_id"`
	MeterMax  string `db:"meter_max"`
}

// GetNozzle returns generic.ErrNozzleNotFound for an unknown id.
func (c conn) GetNozzle(ctx context.Context, id generic.NozzleID) (*settlement.Nozzle, error) {
	var row nozzleRow
	err := c.get(ctx, &row, `SELECT id, station_id, tank_id, fuel_id, meter_max FROM nozzles WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrNozzleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get nozzle: %w", err)
	}
	var d decoder
	n := &settlement.Nozzle{
		ID:        generic.NozzleID(row.ID),
		StationID: generic.StationID(row.StationID),
		TankID:    generic.TankID(row.TankID),
		FuelID:    generic.FuelID(row.FuelID),
		MeterMax:  d.dec(row.MeterMax),
	}
	return n, d.err
}

// SaveNozzle creates or replaces a nozzle.
func (c conn) SaveNozzle(ctx context.Context, n settlement.Nozzle) error {
	_, err := c.exec(ctx, `INSERT INTO nozzles (id, station_id, tank_id, fuel_id, meter_max, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			station_id = excluded.station_id,
			tank_id = excluded.tank_id,
			fuel_id = excluded.fuel_id,
			meter_max = excluded.meter_max,
			updated_at = excluded.updated_at`,
		string(n.ID), string(n.StationID), string(n.TankID), string(n.FuelID), n.MeterMax.String(),
		generic.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save nozzle: %w", err)
	}
	return nil
}

type tankRow struct {
	ID           string `db:"id"`
	StationID    string `db:"station_id"`
	FuelID       string `db:"fuel_id"`
	Capacity     string `db:"capacity"`
	CurrentLevel string `db:"current_level"`
}

// GetTank returns generic.ErrTankNotFound for an unknown id.
func (c conn) GetTank(ctx context.Context, id generic.TankID) (*settlement.Tank, error) {
	var row tankRow
	err := c.get(ctx, &row, `SELECT id, station_id, fuel_id, capacity, current_level FROM tanks WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrTankNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tank: %w", err)
	}
	var d decoder
	t := &settlement.Tank{
		ID:           generic.TankID(row.ID),
		StationID:    generic.StationID(row.StationID),
		FuelID:       generic.FuelID(row.FuelID),
		Capacity:     d.dec(row.Capacity),
		CurrentLevel: d.dec(row.CurrentLevel),
	}
	return t, d.err
}

// SaveTank creates or replaces a tank.
func (c conn) SaveTank(ctx context.Context, t settlement.Tank) error {
	_, err := c.exec(ctx, `INSERT INTO tanks (id, station_id, fuel_id, capacity, current_level, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			station_id = excluded.station_id,
			fuel_id = excluded.fuel_id,
			capacity = excluded.capacity,
			current_level = excluded.current_level,
			updated_at = excluded.updated_at`,
		string(t.ID), string(t.StationID), string(t.FuelID), t.Capacity.String(), t.CurrentLevel.String(),
		generic.FormatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save tank: %w", err)
	}
	return nil
}

// DecrementTank implements settlement.Inventory. A (tank, shift) pair is
// applied at most once. The tank row stays locked between reading and writing
// the level.
func (s *Store) DecrementTank(ctx context.Context, d settlement.TankDecrement) error {
	return s.withTx(ctx, func(tx *txStore) error {
		if err := tx.lockRow(ctx, "tanks", string(d.TankID), generic.ErrTankNotFound); err != nil {
			return err
		}
		tank, err := tx.GetTank(ctx, d.TankID)
		if err != nil {
			return err
		}
		now := generic.FormatTime(time.Now())
		res, err := tx.exec(ctx, `INSERT INTO tank_movements (tank_id, shift_id, quantity, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tank_id, shift_id) DO NOTHING`,
			string(d.TankID), string(d.ShiftID), d.Quantity.String(), now)
		if err != nil {
			return fmt.Errorf("record tank movement: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		level := tank.CurrentLevel.Sub(d.Quantity)
		_, err = tx.exec(ctx, `UPDATE tanks SET current_level = ?, updated_at = ? WHERE id = ?`,
			level.String(), now, string(d.TankID))
		if err != nil {
			return fmt.Errorf("decrement tank: %w", err)
		}
		return nil
	})
}

// =============================================================================
// CHEQUES (settlement.ChequeRegistry)
// =============================================================================

type chequeRow struct {
	ID           string `db:"id"`
	StationID    string `db:"station_id"`
	ShiftID      string `db:"shift_id"`
	WorkerID     string `db:"worker_id"`
	Number       string `db:"number"`
	BankID       string `db:"bank_id"`
	ReceivedFrom string `db:"received_from"`
	ChequeDate   string `db:"cheque_date"`
	Amount       string `db:"amount"`
	Status       string `db:"status"`
	CreatedBy    string `db:"created_by"`
	CreatedAt    string `db:"created_at"`
}

const chequeColumns = `id, station_id, shift_id, worker_id, number, bank_id, received_from,
	cheque_date, amount, status, created_by, created_at`

// RecordCheque inserts a cheque; a repeated id is ignored.
func (c conn) RecordCheque(ctx context.Context, ch settlement.Cheque) error {
	_, err := c.exec(ctx, `INSERT INTO cheques (`+chequeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ch.ID, string(ch.StationID), string(ch.ShiftID), string(ch.WorkerID), ch.Number, ch.BankID,
		ch.ReceivedFrom, generic.FormatTime(ch.ChequeDate), ch.Amount.String(), string(ch.Status),
		ch.CreatedBy, generic.FormatTime(ch.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record cheque: %w", err)
	}
	return nil
}

// ChequesForShift lists cheques created from a shift's declarations.
func (c conn) ChequesForShift(ctx context.Context, shiftID generic.ShiftID) ([]settlement.Cheque, error) {
	var rows []chequeRow
	err := c.list(ctx, &rows, `SELECT `+chequeColumns+` FROM cheques WHERE shift_id = ? ORDER BY id`, string(shiftID))
	if err != nil {
		return nil, fmt.Errorf("list cheques: %w", err)
	}
	out := make([]settlement.Cheque, 0, len(rows))
	for _, r := range rows {
		var d decoder
		out = append(out, settlement.Cheque{
			ID:           r.ID,
			StationID:    generic.StationID(r.StationID),
			ShiftID:      generic.ShiftID(r.ShiftID),
			WorkerID:     generic.WorkerID(r.WorkerID),
			Number:       r.Number,
			BankID:       r.BankID,
			ReceivedFrom: r.ReceivedFrom,
			ChequeDate:   d.time(r.ChequeDate),
			Amount:       d.dec(r.Amount),
			Status:       settlement.ChequeStatus(r.Status),
			CreatedBy:    r.CreatedBy,
			CreatedAt:    d.time(r.CreatedAt),
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return out, nil
}
