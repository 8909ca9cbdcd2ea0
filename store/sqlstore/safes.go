package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/safe"
)

// =============================================================================
// SAFES (safe.Store)
// =============================================================================

type safeRow struct {
	ID             string `db:"id"`
	StationID      string `db:"station_id"`
	OpeningBalance string `db:"opening_balance"`
	CurrentBalance string `db:"current_balance"`
	IsActive       int    `db:"is_active"`
	CreatedAt      string `db:"created_at"`
	UpdatedAt      string `db:"updated_at"`
}

func (r safeRow) toSafe() (*safe.Safe, error) {
	var d decoder
	s := &safe.Safe{
		ID:             generic.SafeID(r.ID),
		StationID:      generic.StationID(r.StationID),
		OpeningBalance: d.dec(r.OpeningBalance),
		CurrentBalance: d.dec(r.CurrentBalance),
		IsActive:       r.IsActive != 0,
		CreatedAt:      d.time(r.CreatedAt),
		UpdatedAt:      d.time(r.UpdatedAt),
	}
	return s, d.err
}

const safeColumns = `id, station_id, opening_balance, current_balance, is_active, created_at, updated_at`

// GetSafe returns generic.ErrSafeNotFound for an unknown id.
func (c conn) GetSafe(ctx context.Context, id generic.SafeID) (*safe.Safe, error) {
	var row safeRow
	err := c.get(ctx, &row, `SELECT `+safeColumns+` FROM safes WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrSafeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get safe: %w", err)
	}
	return row.toSafe()
}

// GetSafeByStation returns generic.ErrSafeNotFound when the station has no safe yet.
func (c conn) GetSafeByStation(ctx context.Context, stationID generic.StationID) (*safe.Safe, error) {
	var row safeRow
	err := c.get(ctx, &row, `SELECT `+safeColumns+` FROM safes WHERE station_id = ?`, string(stationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, generic.ErrSafeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get safe by station: %w", err)
	}
	return row.toSafe()
}

// CreateSafe inserts a safe. A concurrent creator for the same station wins
// silently; the caller re-reads by station.
func (c conn) CreateSafe(ctx context.Context, s safe.Safe) error {
	_, err := c.exec(ctx, `INSERT INTO safes (`+safeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (station_id) DO NOTHING`,
		string(s.ID), string(s.StationID), s.OpeningBalance.String(), s.CurrentBalance.String(),
		boolInt(s.IsActive), generic.FormatTime(s.CreatedAt), generic.FormatTime(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create safe: %w", err)
	}
	return nil
}

// ListSafes returns every safe ordered by station.
func (c conn) ListSafes(ctx context.Context) ([]safe.Safe, error) {
	var rows []safeRow
	if err := c.list(ctx, &rows, `SELECT `+safeColumns+` FROM safes ORDER BY station_id`); err != nil {
		return nil, fmt.Errorf("list safes: %w", err)
	}
	out := make([]safe.Safe, 0, len(rows))
	for _, r := range rows {
		s, err := r.toSafe()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// LockSafe takes the safe's row lock on PostgreSQL.
func (c conn) LockSafe(ctx context.Context, id generic.SafeID) error {
	return c.lockRow(ctx, "safes", string(id), generic.ErrSafeNotFound)
}

// SetCurrentBalance rewrites the cached projection.
func (c conn) SetCurrentBalance(ctx context.Context, id generic.SafeID, balance decimal.Decimal, at time.Time) error {
	res, err := c.exec(ctx, `UPDATE safes SET current_balance = ?, updated_at = ? WHERE id = ?`,
		balance.String(), generic.FormatTime(at), string(id))
	if err != nil {
		return fmt.Errorf("set current balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return generic.ErrSafeNotFound
	}
	return nil
}

// =============================================================================
// SAFE TRANSACTIONS
// =============================================================================

type safeTxRow struct {
	ID                string         `db:"id"`
	SafeID            string         `db:"safe_id"`
	Type              string         `db:"tx_type"`
	Amount            string         `db:"amount"`
	OccurredAt        string         `db:"occurred_at"`
	BalanceBefore     string         `db:"balance_before"`
	BalanceAfter      string         `db:"balance_after"`
	ShiftID           sql.NullString `db:"shift_id"`
	BatchID           sql.NullString `db:"batch_id"`
	ChequeID          sql.NullString `db:"cheque_id"`
	ExpenseID         sql.NullString `db:"expense_id"`
	LoanID            sql.NullString `db:"loan_id"`
	DepositID         sql.NullString `db:"deposit_id"`
	CreditSaleID      sql.NullString `db:"credit_sale_id"`
	Description       string         `db:"description"`
	PerformedBy       string         `db:"performed_by"`
	PossibleDuplicate int            `db:"possible_duplicate"`
	Seq               int64          `db:"seq"`
	CreatedAt         string         `db:"created_at"`
}

const safeTxColumns = `id, safe_id, tx_type, amount, occurred_at, balance_before, balance_after,
	shift_id, batch_id, cheque_id, expense_id, loan_id, deposit_id, credit_sale_id,
	description, performed_by, possible_duplicate, seq, created_at`

func (r safeTxRow) toTransaction() (safe.Transaction, error) {
	var d decoder
	t := safe.Transaction{
		ID:            generic.TransactionID(r.ID),
		SafeID:        generic.SafeID(r.SafeID),
		Type:          safe.TransactionType(r.Type),
		Amount:        d.dec(r.Amount),
		Timestamp:     d.time(r.OccurredAt),
		BalanceBefore: d.dec(r.BalanceBefore),
		BalanceAfter:  d.dec(r.BalanceAfter),
		Refs: safe.Refs{
			ShiftID:      generic.ShiftID(r.ShiftID.String),
			BatchID:      r.BatchID.String,
			ChequeID:     r.ChequeID.String,
			ExpenseID:    r.ExpenseID.String,
			LoanID:       generic.LoanID(r.LoanID.String),
			DepositID:    r.DepositID.String,
			CreditSaleID: r.CreditSaleID.String,
		},
		Description:       r.Description,
		PerformedBy:       r.PerformedBy,
		PossibleDuplicate: r.PossibleDuplicate != 0,
		Seq:               r.Seq,
		CreatedAt:         d.time(r.CreatedAt),
	}
	return t, d.err
}

// ListTransactions returns the safe's log in replay order.
func (c conn) ListTransactions(ctx context.Context, id generic.SafeID) ([]safe.Transaction, error) {
	var rows []safeTxRow
	err := c.list(ctx, &rows, `SELECT `+safeTxColumns+`
		FROM safe_transactions WHERE safe_id = ?
		ORDER BY occurred_at ASC, seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("list safe transactions: %w", err)
	}
	out := make([]safe.Transaction, 0, len(rows))
	for _, r := range rows {
		t, err := r.toTransaction()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// InsertTransaction appends one row.
func (c conn) InsertTransaction(ctx context.Context, t safe.Transaction) error {
	_, err := c.exec(ctx, `INSERT INTO safe_transactions (`+safeTxColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.SafeID), string(t.Type), t.Amount.String(), generic.FormatTime(t.Timestamp),
		t.BalanceBefore.String(), t.BalanceAfter.String(),
		nullString(string(t.Refs.ShiftID)), nullString(t.Refs.BatchID), nullString(t.Refs.ChequeID),
		nullString(t.Refs.ExpenseID), nullString(string(t.Refs.LoanID)), nullString(t.Refs.DepositID),
		nullString(t.Refs.CreditSaleID),
		t.Description, t.PerformedBy, boolInt(t.PossibleDuplicate), t.Seq, generic.FormatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert safe transaction: %w", err)
	}
	return nil
}

// UpdateTransactionBalances rewrites the derived balances of one row.
func (c conn) UpdateTransactionBalances(ctx context.Context, id generic.TransactionID, before, after decimal.Decimal) error {
	_, err := c.exec(ctx, `UPDATE safe_transactions SET balance_before = ?, balance_after = ? WHERE id = ?`,
		before.String(), after.String(), string(id))
	if err != nil {
		return fmt.Errorf("update safe transaction balances: %w", err)
	}
	return nil
}
