package safe

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/metrics"
)

// =============================================================================
// STORAGE CONTRACT
// =============================================================================

// Store is the persistence each ledger operation needs. Inside WithSafeTx the
// same methods run on the open SQL transaction.
type Store interface {
	GetSafe(ctx context.Context, id generic.SafeID) (*Safe, error)
	GetSafeByStation(ctx context.Context, stationID generic.StationID) (*Safe, error)
	CreateSafe(ctx context.Context, s Safe) error

	// LockSafe takes a row lock where the dialect supports one.
	LockSafe(ctx context.Context, id generic.SafeID) error

	// ListTransactions returns every transaction of the safe ordered by
	// (timestamp, seq).
	ListTransactions(ctx context.Context, id generic.SafeID) ([]Transaction, error)
	InsertTransaction(ctx context.Context, tx Transaction) error
	UpdateTransactionBalances(ctx context.Context, id generic.TransactionID, before, after decimal.Decimal) error
	SetCurrentBalance(ctx context.Context, id generic.SafeID, balance decimal.Decimal, at time.Time) error
}

// TxStore adds transactions and the safe listing used by the audit job.
type TxStore interface {
	Store
	WithSafeTx(ctx context.Context, fn func(Store) error) error
	ListSafes(ctx context.Context) ([]Safe, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// Config holds the soft-warning thresholds and validation limits.
type Config struct {
	FutureSkew      time.Duration   // timestamps beyond now+FutureSkew are rejected
	DuplicateWindow time.Duration   // same type+amount within this window is flagged
	LargeAmount     decimal.Decimal // amounts at or above this are logged
	Retry           generic.RetryPolicy
}

// DefaultConfig matches the thresholds operators are used to.
func DefaultConfig() Config {
	return Config{
		FutureSkew:      time.Hour,
		DuplicateWindow: 60 * time.Second,
		LargeAmount:     decimal.NewFromInt(500000),
		Retry:           generic.DefaultRetryPolicy,
	}
}

// Ledger posts and reads safe transactions. One writer per safe at a time;
// readers never take the writer lock.
type Ledger struct {
	store   TxStore
	cfg     Config
	clock   generic.Clock
	locks   *lockTable
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLedger creates a ledger over store.
func NewLedger(store TxStore, cfg Config, clock generic.Clock, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FutureSkew <= 0 {
		cfg.FutureSkew = time.Hour
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 60 * time.Second
	}
	return &Ledger{
		store:   store,
		cfg:     cfg,
		clock:   clock,
		locks:   newLockTable(),
		logger:  logger,
		metrics: m,
	}
}

// Lock serializes writers of one safe. Callers that post through PostTx must
// hold it and must take it BEFORE opening their storage transaction.
func (l *Ledger) Lock(id generic.SafeID) func() {
	return l.locks.Lock(id)
}

// SafeForStation returns the station's safe, creating it with a zero
// opening balance on first use.
func (l *Ledger) SafeForStation(ctx context.Context, stationID generic.StationID) (*Safe, error) {
	s, err := l.store.GetSafeByStation(ctx, stationID)
	if err == nil {
		return s, nil
	}
	if !generic.IsNotFound(err) {
		return nil, err
	}

	now := l.clock.Now()
	err = generic.Retry(ctx, l.retryPolicy(), func() error {
		return l.store.WithSafeTx(ctx, func(tx Store) error {
			return tx.CreateSafe(ctx, Safe{
				ID:             generic.SafeID(generic.NewID("safe")),
				StationID:      stationID,
				OpeningBalance: decimal.Zero,
				CurrentBalance: decimal.Zero,
				IsActive:       true,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create safe for station %s: %w", stationID, err)
	}
	l.logger.Info("safe created", zap.String("station_id", string(stationID)))
	return l.store.GetSafeByStation(ctx, stationID)
}

// Validate applies the hard rules: known type, positive amount (>= 0 for an
// opening balance), actor present, timestamp not beyond now+FutureSkew.
// A zero timestamp is filled with now.
func (l *Ledger) Validate(req *PostRequest) error {
	if !req.Type.Valid() {
		return fmt.Errorf("%w: %q", generic.ErrUnknownTransactionType, req.Type)
	}
	if req.Type.IsOpening() {
		if req.Amount.IsNegative() {
			return &generic.NegativeAmountError{Amount: req.Amount, Type: string(req.Type)}
		}
	} else if !req.Amount.IsPositive() {
		return &generic.NegativeAmountError{Amount: req.Amount, Type: string(req.Type)}
	}
	if req.PerformedBy.IsZero() {
		return generic.ErrActorRequired
	}

	now := l.clock.Now()
	if req.Timestamp.IsZero() {
		req.Timestamp = now
	}
	limit := now.Add(l.cfg.FutureSkew)
	if req.Timestamp.After(limit) {
		return &generic.FutureTimestampError{At: req.Timestamp, Limit: limit}
	}
	return nil
}

// Post validates and records a transaction, repairing the stored balance of
// every later transaction in the same storage transaction.
func (l *Ledger) Post(ctx context.Context, req PostRequest) (Transaction, error) {
	if err := l.Validate(&req); err != nil {
		return Transaction{}, err
	}

	unlock := l.Lock(req.SafeID)
	defer unlock()

	var posted Transaction
	err := generic.Retry(ctx, l.retryPolicy(), func() error {
		return l.store.WithSafeTx(ctx, func(tx Store) error {
			var err error
			posted, err = l.post(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		return Transaction{}, err
	}

	l.metrics.SafePosted(string(posted.Type))
	return posted, nil
}

// PostTx records a transaction inside the caller's storage transaction.
// The caller must hold Lock(req.SafeID).
func (l *Ledger) PostTx(ctx context.Context, tx Store, req PostRequest) (Transaction, error) {
	if err := l.Validate(&req); err != nil {
		return Transaction{}, err
	}
	posted, err := l.post(ctx, tx, req)
	if err != nil {
		return Transaction{}, err
	}
	l.metrics.SafePosted(string(posted.Type))
	return posted, nil
}

func (l *Ledger) post(ctx context.Context, tx Store, req PostRequest) (Transaction, error) {
	if err := tx.LockSafe(ctx, req.SafeID); err != nil {
		return Transaction{}, err
	}
	s, err := tx.GetSafe(ctx, req.SafeID)
	if err != nil {
		return Transaction{}, err
	}
	existing, err := tx.ListTransactions(ctx, req.SafeID)
	if err != nil {
		return Transaction{}, err
	}

	now := l.clock.Now()
	var maxSeq int64
	for _, t := range existing {
		if t.Seq > maxSeq {
			maxSeq = t.Seq
		}
	}

	newTx := Transaction{
		ID:          generic.TransactionID(generic.NewID("stx")),
		SafeID:      req.SafeID,
		Type:        req.Type,
		Amount:      req.Amount,
		Timestamp:   req.Timestamp,
		Refs:        req.Refs,
		Description: req.Description,
		PerformedBy: req.PerformedBy.String(),
		Seq:         maxSeq + 1,
		CreatedAt:   now,
	}
	newTx.PossibleDuplicate = l.looksDuplicate(existing, newTx)

	all := make([]Transaction, 0, len(existing)+1)
	all = append(all, existing...)
	all = append(all, newTx)
	Sort(all)
	steps := Replay(s.OpeningBalance, all)

	repaired := 0
	for i, t := range all {
		step := steps[i]
		if t.ID == newTx.ID {
			newTx.BalanceBefore = step.Before
			newTx.BalanceAfter = step.After
			if err := tx.InsertTransaction(ctx, newTx); err != nil {
				return Transaction{}, err
			}
			continue
		}
		if t.BalanceBefore.Equal(step.Before) && t.BalanceAfter.Equal(step.After) {
			continue
		}
		if err := tx.UpdateTransactionBalances(ctx, t.ID, step.Before, step.After); err != nil {
			return Transaction{}, err
		}
		repaired++
	}

	current := Final(s.OpeningBalance, steps)
	if err := tx.SetCurrentBalance(ctx, req.SafeID, current, now); err != nil {
		return Transaction{}, err
	}

	l.warn(newTx, repaired)
	return newTx, nil
}

// looksDuplicate flags same type+amount within the duplicate window.
func (l *Ledger) looksDuplicate(existing []Transaction, tx Transaction) bool {
	for _, t := range existing {
		if t.Type != tx.Type || !t.Amount.Equal(tx.Amount) {
			continue
		}
		gap := t.Timestamp.Sub(tx.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap <= l.cfg.DuplicateWindow {
			return true
		}
	}
	return false
}

func (l *Ledger) warn(tx Transaction, repaired int) {
	fields := []zap.Field{
		zap.String("safe_id", string(tx.SafeID)),
		zap.String("transaction_id", string(tx.ID)),
		zap.String("type", string(tx.Type)),
		zap.String("amount", tx.Amount.String()),
	}
	if tx.PossibleDuplicate {
		l.logger.Warn("possible duplicate safe transaction", fields...)
		l.metrics.SafeWarning("duplicate")
	}
	if l.cfg.LargeAmount.IsPositive() && tx.Amount.GreaterThanOrEqual(l.cfg.LargeAmount) {
		l.logger.Warn("large safe transaction", fields...)
		l.metrics.SafeWarning("large_amount")
	}
	if tx.BalanceAfter.IsNegative() {
		l.logger.Warn("safe balance is negative",
			append(fields, zap.String("balance_after", tx.BalanceAfter.String()))...)
		l.metrics.SafeWarning("negative_balance")
	}
	if repaired > 0 {
		l.logger.Info("replayed later safe transactions",
			append(fields, zap.Int("repaired", repaired))...)
		l.metrics.SafeRowsRepaired(repaired)
	}
}

func (l *Ledger) retryPolicy() generic.RetryPolicy {
	p := l.cfg.Retry
	if p.OnRetry == nil {
		p.OnRetry = func(attempt int, err error) {
			l.metrics.StorageRetry()
			l.logger.Warn("retrying safe storage operation", zap.Int("attempt", attempt), zap.Error(err))
		}
	}
	return p
}

// =============================================================================
// READS
// =============================================================================

// BalanceAt returns the balance after every transaction with timestamp <= asOf.
// A nil asOf returns the cached current balance.
func (l *Ledger) BalanceAt(ctx context.Context, id generic.SafeID, asOf *time.Time) (decimal.Decimal, error) {
	s, err := l.store.GetSafe(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if asOf == nil {
		return s.CurrentBalance, nil
	}

	txs, err := l.store.ListTransactions(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	Sort(txs)
	return balanceThrough(s.OpeningBalance, txs, func(t Transaction) bool {
		return !t.Timestamp.After(*asOf)
	}), nil
}

// balanceThrough replays the prefix of txs accepted by include.
func balanceThrough(opening decimal.Decimal, txs []Transaction, include func(Transaction) bool) decimal.Decimal {
	running := opening
	for _, t := range txs {
		if !include(t) {
			break
		}
		running = Apply(running, t)
	}
	return running
}

// Get returns the safe record.
func (l *Ledger) Get(ctx context.Context, id generic.SafeID) (*Safe, error) {
	return l.store.GetSafe(ctx, id)
}

// Transactions lists transactions with from <= timestamp < to; nil bounds are open.
func (l *Ledger) Transactions(ctx context.Context, id generic.SafeID, from, to *time.Time) ([]Transaction, error) {
	if _, err := l.store.GetSafe(ctx, id); err != nil {
		return nil, err
	}
	txs, err := l.store.ListTransactions(ctx, id)
	if err != nil {
		return nil, err
	}
	Sort(txs)
	out := make([]Transaction, 0, len(txs))
	for _, t := range txs {
		if from != nil && t.Timestamp.Before(*from) {
			continue
		}
		if to != nil && !t.Timestamp.Before(*to) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
