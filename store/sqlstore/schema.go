package sqlstore

// schema is portable between SQLite and PostgreSQL. One statement per entry.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS nozzles (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		tank_id TEXT NOT NULL,
		fuel_id TEXT NOT NULL,
		meter_max TEXT NOT NULL DEFAULT '0',
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tanks (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		fuel_id TEXT NOT NULL,
		capacity TEXT NOT NULL,
		current_level TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// One row per (tank, shift) makes the post-close decrement idempotent.
	`CREATE TABLE IF NOT EXISTS tank_movements (
		tank_id TEXT NOT NULL,
		shift_id TEXT NOT NULL,
		quantity TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tank_id, shift_id)
	)`,
	`CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL,
		opened_by TEXT NOT NULL,
		closed_by TEXT,
		version BIGINT NOT NULL DEFAULT 0,
		statistics_json TEXT,
		declared_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shifts_station_status_start
		ON shifts(station_id, status, start_time)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		shift_id TEXT NOT NULL,
		nozzle_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		start_reading TEXT NOT NULL,
		end_reading TEXT,
		returned_quantity TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		assigned_at TEXT NOT NULL,
		closed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_shift
		ON assignments(shift_id)`,
	// Prices are append-only; seq is creation order for tie-breaks.
	`CREATE TABLE IF NOT EXISTS prices (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		fuel_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		effective_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		seq BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prices_station_fuel_effective
		ON prices(station_id, fuel_id, effective_at)`,
	`CREATE TABLE IF NOT EXISTS safes (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL UNIQUE,
		opening_balance TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS safe_transactions (
		id TEXT PRIMARY KEY,
		safe_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		balance_before TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		shift_id TEXT,
		batch_id TEXT,
		cheque_id TEXT,
		expense_id TEXT,
		loan_id TEXT,
		deposit_id TEXT,
		credit_sale_id TEXT,
		description TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL,
		possible_duplicate INTEGER NOT NULL DEFAULT 0,
		seq BIGINT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	// Replay order.
	`CREATE INDEX IF NOT EXISTS idx_safe_transactions_replay
		ON safe_transactions(safe_id, occurred_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_safe_transactions_shift
		ON safe_transactions(shift_id)`,
	`CREATE TABLE IF NOT EXISTS cheques (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		shift_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		number TEXT NOT NULL,
		bank_id TEXT NOT NULL,
		received_from TEXT NOT NULL DEFAULT '',
		cheque_date TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		station_id TEXT NOT NULL,
		name TEXT NOT NULL,
		base_salary TEXT NOT NULL DEFAULT '0',
		holiday_allowance TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workers_station
		ON workers(station_id)`,
	`CREATE TABLE IF NOT EXISTS worker_loans (
		id TEXT PRIMARY KEY,
		worker_id TEXT NOT NULL,
		station_id TEXT NOT NULL,
		principal TEXT NOT NULL,
		monthly_rental TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_worker_loans_station_status
		ON worker_loans(station_id, status)`,
}
