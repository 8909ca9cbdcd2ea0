package safe

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
)

// =============================================================================
// REPLAY - Recompute running balances from an ordered slice
// =============================================================================

// Step is the recomputed projection of one transaction.
type Step struct {
	Before decimal.Decimal
	After  decimal.Decimal
}

// Sort orders transactions by (Timestamp, Seq) in place.
func Sort(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Timestamp.Equal(txs[j].Timestamp) {
			return txs[i].Timestamp.Before(txs[j].Timestamp)
		}
		return txs[i].Seq < txs[j].Seq
	})
}

// Apply returns the balance after applying tx to before.
func Apply(before decimal.Decimal, tx Transaction) decimal.Decimal {
	switch {
	case tx.Type.IsOpening():
		return tx.Amount
	case tx.Type.IsCredit():
		return before.Add(tx.Amount)
	case tx.Type.IsDebit():
		return before.Sub(tx.Amount)
	default:
		return before
	}
}

// Replay folds an already-sorted slice from opening. It is pure: the same
// inputs always give the same steps.
func Replay(opening decimal.Decimal, txs []Transaction) []Step {
	steps := make([]Step, len(txs))
	running := opening
	for i, tx := range txs {
		after := Apply(running, tx)
		steps[i] = Step{Before: running, After: after}
		running = after
	}
	return steps
}

// Final returns the balance after the last step, or opening when empty.
func Final(opening decimal.Decimal, steps []Step) decimal.Decimal {
	if len(steps) == 0 {
		return opening
	}
	return steps[len(steps)-1].After
}

// Drift describes a stored projection that disagrees with replay.
type Drift struct {
	TransactionID  generic.TransactionID `json:"transaction_id"`
	StoredBefore   decimal.Decimal       `json:"stored_before"`
	StoredAfter    decimal.Decimal       `json:"stored_after"`
	ExpectedBefore decimal.Decimal       `json:"expected_before"`
	ExpectedAfter  decimal.Decimal       `json:"expected_after"`
}

// FindDrift compares stored balances with steps. Both slices share an order.
func FindDrift(txs []Transaction, steps []Step) []Drift {
	var out []Drift
	for i, tx := range txs {
		s := steps[i]
		if tx.BalanceBefore.Equal(s.Before) && tx.BalanceAfter.Equal(s.After) {
			continue
		}
		out = append(out, Drift{
			TransactionID:  tx.ID,
			StoredBefore:   tx.BalanceBefore,
			StoredAfter:    tx.BalanceAfter,
			ExpectedBefore: s.Before,
			ExpectedAfter:  s.After,
		})
	}
	return out
}
