package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/pricing"
)

// =============================================================================
// PRICES (pricing.Source / pricing.Writer)
// =============================================================================

type priceRow struct {
	ID          string `db:"id"`
	StationID   string `db:"station_id"`
	FuelID      string `db:"fuel_id"`
	Amount      string `db:"amount"`
	EffectiveAt string `db:"effective_at"`
	Active      int    `db:"active"`
	CreatedBy   string `db:"created_by"`
	CreatedAt   string `db:"created_at"`
	Seq         int64  `db:"seq"`
}

const priceColumns = `id, station_id, fuel_id, amount, effective_at, active, created_by, created_at, seq`

// PriceCandidates returns active rows effective at or before asOf.
func (c conn) PriceCandidates(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, asOf time.Time) ([]pricing.Price, error) {
	var rows []priceRow
	err := c.list(ctx, &rows, `SELECT `+priceColumns+` FROM prices
		WHERE station_id = ? AND fuel_id = ? AND active = 1 AND effective_at <= ?
		ORDER BY effective_at DESC, seq DESC`,
		string(stationID), string(fuelID), generic.FormatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("list price candidates: %w", err)
	}
	out := make([]pricing.Price, 0, len(rows))
	for _, r := range rows {
		var d decoder
		out = append(out, pricing.Price{
			ID:          generic.PriceID(r.ID),
			StationID:   generic.StationID(r.StationID),
			FuelID:      generic.FuelID(r.FuelID),
			Amount:      d.dec(r.Amount),
			EffectiveAt: d.time(r.EffectiveAt),
			Active:      r.Active != 0,
			CreatedBy:   r.CreatedBy,
			CreatedAt:   d.time(r.CreatedAt),
			Seq:         r.Seq,
		})
		if d.err != nil {
			return nil, d.err
		}
	}
	return out, nil
}

// AddPrice appends a price row and assigns its creation sequence.
func (s *Store) AddPrice(ctx context.Context, p pricing.Price) (pricing.Price, error) {
	err := s.withTx(ctx, func(tx *txStore) error {
		var maxSeq int64
		if err := tx.get(ctx, &maxSeq, `SELECT COALESCE(MAX(seq), 0) FROM prices`); err != nil {
			return fmt.Errorf("next price seq: %w", err)
		}
		p.Seq = maxSeq + 1
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now().UTC()
		}
		_, err := tx.exec(ctx, `INSERT INTO prices (`+priceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(p.ID), string(p.StationID), string(p.FuelID), p.Amount.String(),
			generic.FormatTime(p.EffectiveAt), boolInt(p.Active), p.CreatedBy,
			generic.FormatTime(p.CreatedAt), p.Seq,
		)
		if err != nil {
			return fmt.Errorf("insert price: %w", err)
		}
		return nil
	})
	if err != nil {
		return pricing.Price{}, err
	}
	return p, nil
}
