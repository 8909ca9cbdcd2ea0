/*
Package sqlstore provides the SQL-backed implementation of every storage
contract in the station ledger.

PURPOSE:
  One Store type serves settlement, the safe ledger, pricing, payroll and
  the registry. It runs on SQLite (default, zero setup) or PostgreSQL.
  Queries are written with '?' placeholders and rebound by sqlx for the
  active driver.

INTERFACES IMPLEMENTED:
  settlement.Store, settlement.Tx    shifts, assignments, nozzle lookups
  settlement.Inventory               tank decrements (idempotent per shift)
  settlement.ChequeRegistry          cheque records (idempotent per id)
  safe.TxStore, safe.Store           safes and safe_transactions
  pricing.Source, pricing.Writer     prices
  payroll.Source                     workers, loans, closed shifts

TRANSACTIONS:
  WithShiftTx and WithSafeTx run their callback on one SQL transaction.
  The callback's view (txStore) has the same read/write methods as Store,
  bound to the transaction instead of the pool.

  SQLite is opened with a single connection, WAL journal, a busy timeout
  and IMMEDIATE transactions, so writers serialize inside the process and
  wait politely on other processes. PostgreSQL takes SELECT ... FOR UPDATE
  row locks on the safe and shift rows.

STORAGE FORMAT:
  Money and quantities are TEXT (exact decimal strings). Timestamps are
  TEXT in generic.TimeLayout so ORDER BY sorts chronologically. Booleans
  are INTEGER 0/1. Shift snapshots are JSON.

ERRORS:
  Busy/locked SQLite errors, PostgreSQL connection (class 08) and
  serialization (40001, 40P01) failures, and driver.ErrBadConn are wrapped
  with generic.ErrTransient so callers retry them. Missing rows map onto
  the domain's not-found sentinels.

SEE ALSO:
  - schema.go: Table definitions
  - settlement/store.go, safe/ledger.go: The contracts
*/
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements all storage interfaces on one connection pool.
type Store struct {
	conn
	db *sqlx.DB
}

// conn carries the queries. It is bound either to the pool or to an open
// transaction.
type conn struct {
	q         sqlx.ExtContext
	forUpdate bool
}

// txStore is the callback view inside WithShiftTx / WithSafeTx.
type txStore struct {
	conn
}

// New opens the database and migrates the schema. Use ":memory:" with the
// sqlite3 driver for an in-memory database.
func New(driverName, dsn string) (*Store, error) {
	switch driverName {
	case DriverSQLite:
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driverName)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driverName == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	s := Wrap(db)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Wrap builds a Store over an already opened handle without migrating.
func Wrap(db *sqlx.DB) *Store {
	return &Store{
		conn: conn{q: db, forUpdate: db.DriverName() == DriverPostgres},
		db:   db,
	}
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(*txStore) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{conn: conn{q: tx, forUpdate: s.forUpdate}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// WithShiftTx implements settlement.Store.
func (s *Store) WithShiftTx(ctx context.Context, fn func(settlement.Tx) error) error {
	return s.withTx(ctx, func(tx *txStore) error { return fn(tx) })
}

// WithSafeTx implements safe.TxStore.
func (s *Store) WithSafeTx(ctx context.Context, fn func(safe.Store) error) error {
	return s.withTx(ctx, func(tx *txStore) error { return fn(tx) })
}

// =============================================================================
// QUERY HELPERS
// =============================================================================

func (c conn) get(ctx context.Context, dest any, query string, args ...any) error {
	return classify(sqlx.GetContext(ctx, c.q, dest, c.q.Rebind(query), args...))
}

func (c conn) list(ctx context.Context, dest any, query string, args ...any) error {
	return classify(sqlx.SelectContext(ctx, c.q, dest, c.q.Rebind(query), args...))
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.q.ExecContext(ctx, c.q.Rebind(query), args...)
	return res, classify(err)
}

// lockRow takes a FOR UPDATE lock on PostgreSQL and is a no-op on SQLite,
// where the IMMEDIATE transaction already holds the write lock.
func (c conn) lockRow(ctx context.Context, table, id string, notFound error) error {
	if !c.forUpdate {
		return nil
	}
	var got string
	err := c.get(ctx, &got, "SELECT id FROM "+table+" WHERE id = ? FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound
	}
	return err
}

// classify wraps retryable driver errors with generic.ErrTransient.
func classify(err error) error {
	if err == nil || errors.Is(err, generic.ErrTransient) {
		return err
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", generic.ErrTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code.Class() == "08" || pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}

// =============================================================================
// ROW DECODING
// =============================================================================

// decoder collects the first parse error while converting a row.
type decoder struct {
	err error
}

func (d *decoder) dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("decode decimal %q: %w", s, err)
	}
	return v
}

func (d *decoder) optDec(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid {
		return nil
	}
	v := d.dec(ns.String)
	return &v
}

func (d *decoder) time(s string) time.Time {
	t, err := generic.ParseTime(s)
	if err != nil && d.err == nil {
		d.err = fmt.Errorf("decode time %q: %w", s, err)
	}
	return t
}

func (d *decoder) optTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := d.time(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: generic.FormatTime(*t), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
