package safe

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
)

// discrepancyTolerance is the largest cached-vs-replayed gap still treated as equal.
var discrepancyTolerance = decimal.RequireFromString("0.01")

// =============================================================================
// RECONCILIATION - Compare the stored projection with a full replay
// =============================================================================

// Report is the outcome of a reconciliation.
type Report struct {
	SafeID             generic.SafeID   `json:"safe_id"`
	StoredBalance      decimal.Decimal  `json:"stored_balance"`
	CalculatedBalance  decimal.Decimal  `json:"calculated_balance"`
	Discrepancy        decimal.Decimal  `json:"discrepancy"`
	Consistent         bool             `json:"consistent"`
	TransactionCount   int              `json:"transaction_count"`
	TotalCredits       decimal.Decimal  `json:"total_credits"`
	TotalDebits        decimal.Decimal  `json:"total_debits"`
	LastOpeningBalance *decimal.Decimal `json:"last_opening_balance,omitempty"`
	Drift              []Drift          `json:"drift,omitempty"`
	Repaired           int              `json:"repaired,omitempty"`
}

// Reconcile replays the safe and reports every row whose stored balances
// disagree, plus the gap between the cached and replayed current balance.
func (l *Ledger) Reconcile(ctx context.Context, id generic.SafeID) (Report, error) {
	s, err := l.store.GetSafe(ctx, id)
	if err != nil {
		return Report{}, err
	}
	txs, err := l.store.ListTransactions(ctx, id)
	if err != nil {
		return Report{}, err
	}
	return buildReport(s, txs), nil
}

func buildReport(s *Safe, txs []Transaction) Report {
	Sort(txs)
	steps := Replay(s.OpeningBalance, txs)
	calculated := Final(s.OpeningBalance, steps)

	r := Report{
		SafeID:            s.ID,
		StoredBalance:     s.CurrentBalance,
		CalculatedBalance: calculated,
		Discrepancy:       s.CurrentBalance.Sub(calculated),
		TransactionCount:  len(txs),
		TotalCredits:      decimal.Zero,
		TotalDebits:       decimal.Zero,
		Drift:             FindDrift(txs, steps),
	}
	for _, t := range txs {
		switch {
		case t.Type.IsOpening():
			amount := t.Amount
			r.LastOpeningBalance = &amount
		case t.Type.IsCredit():
			r.TotalCredits = r.TotalCredits.Add(t.Amount)
		case t.Type.IsDebit():
			r.TotalDebits = r.TotalDebits.Add(t.Amount)
		}
	}
	r.Consistent = len(r.Drift) == 0 && r.Discrepancy.Abs().LessThan(discrepancyTolerance)
	return r
}

// Repair rewrites every drifted row and the cached current balance in one
// storage transaction, then returns the post-repair report.
func (l *Ledger) Repair(ctx context.Context, id generic.SafeID, actor generic.Actor) (Report, error) {
	if actor.IsZero() {
		return Report{}, generic.ErrActorRequired
	}

	unlock := l.Lock(id)
	defer unlock()

	var report Report
	err := generic.Retry(ctx, l.retryPolicy(), func() error {
		return l.store.WithSafeTx(ctx, func(tx Store) error {
			if err := tx.LockSafe(ctx, id); err != nil {
				return err
			}
			s, err := tx.GetSafe(ctx, id)
			if err != nil {
				return err
			}
			txs, err := tx.ListTransactions(ctx, id)
			if err != nil {
				return err
			}
			before := buildReport(s, txs)
			for _, d := range before.Drift {
				if err := tx.UpdateTransactionBalances(ctx, d.TransactionID, d.ExpectedBefore, d.ExpectedAfter); err != nil {
					return err
				}
			}
			if !s.CurrentBalance.Equal(before.CalculatedBalance) {
				if err := tx.SetCurrentBalance(ctx, id, before.CalculatedBalance, l.clock.Now()); err != nil {
					return err
				}
			}

			report = before
			report.Repaired = len(before.Drift)
			report.StoredBalance = before.CalculatedBalance
			report.Discrepancy = decimal.Zero
			report.Drift = nil
			report.Consistent = true
			return nil
		})
	})
	if err != nil {
		return Report{}, err
	}

	l.logger.Info("safe repaired",
		zap.String("safe_id", string(id)),
		zap.String("actor", actor.String()),
		zap.Int("repaired", report.Repaired),
	)
	l.metrics.SafeRowsRepaired(report.Repaired)
	return report, nil
}

// AuditAll reconciles every safe and records drift gauges. It never repairs.
func (l *Ledger) AuditAll(ctx context.Context) ([]Report, error) {
	safes, err := l.store.ListSafes(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Report, 0, len(safes))
	for _, s := range safes {
		r, err := l.Reconcile(ctx, s.ID)
		if err != nil {
			l.logger.Error("safe audit failed", zap.String("safe_id", string(s.ID)), zap.Error(err))
			continue
		}
		l.metrics.SafeDrift(string(s.ID), len(r.Drift))
		if !r.Consistent {
			l.logger.Warn("safe ledger drift detected",
				zap.String("safe_id", string(s.ID)),
				zap.Int("rows", len(r.Drift)),
				zap.String("discrepancy", r.Discrepancy.String()),
			)
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// =============================================================================
// SUMMARY - Period view of cash in and out
// =============================================================================

// Summary totals a safe's movements over [From, To).
type Summary struct {
	SafeID         generic.SafeID                      `json:"safe_id"`
	From           time.Time                           `json:"from"`
	To             time.Time                           `json:"to"`
	OpeningBalance decimal.Decimal                     `json:"opening_balance"`
	ClosingBalance decimal.Decimal                     `json:"closing_balance"`
	TotalCredits   decimal.Decimal                     `json:"total_credits"`
	TotalDebits    decimal.Decimal                     `json:"total_debits"`
	ByType         map[TransactionType]decimal.Decimal `json:"by_type"`
	Resets         int                                 `json:"resets"`
	Count          int                                 `json:"count"`
}

// Summary computes opening/closing balances and per-type totals for a period.
func (l *Ledger) Summary(ctx context.Context, id generic.SafeID, period generic.Period) (Summary, error) {
	s, err := l.store.GetSafe(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	txs, err := l.store.ListTransactions(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	Sort(txs)

	out := Summary{
		SafeID:       id,
		From:         period.Start,
		To:           period.End,
		TotalCredits: decimal.Zero,
		TotalDebits:  decimal.Zero,
		ByType:       make(map[TransactionType]decimal.Decimal),
	}
	out.OpeningBalance = balanceThrough(s.OpeningBalance, txs, func(t Transaction) bool {
		return t.Timestamp.Before(period.Start)
	})
	out.ClosingBalance = balanceThrough(s.OpeningBalance, txs, func(t Transaction) bool {
		return t.Timestamp.Before(period.End)
	})

	for _, t := range txs {
		if !period.Contains(t.Timestamp) {
			continue
		}
		out.Count++
		out.ByType[t.Type] = out.ByType[t.Type].Add(t.Amount)
		switch {
		case t.Type.IsOpening():
			out.Resets++
		case t.Type.IsCredit():
			out.TotalCredits = out.TotalCredits.Add(t.Amount)
		case t.Type.IsDebit():
			out.TotalDebits = out.TotalDebits.Add(t.Amount)
		}
	}
	return out, nil
}
