/*
Package pricing resolves the unit price of a fuel at a station.

PURPOSE:
  Prices are append-only rows keyed by (station, fuel, effectiveAt). A
  price change is a NEW row; old rows are never edited, so any shift can
  be re-settled at the price that was in force when it started.

RESOLUTION RULE:
  effective(station, fuel, asOf) is the active row with the greatest
  EffectiveAt <= asOf. Ties on EffectiveAt go to the most recently
  created row (highest Seq). With no candidate, DefaultPrice is used and
  a data-quality warning is logged.

  Settlement always resolves at the shift START time. A price change in
  the middle of a shift does not affect that shift.

CACHING:
  An optional Cache (see cache.go) memoizes resolutions. Registering a
  new price invalidates every cached resolution for that (station, fuel).

SEE ALSO:
  - cache.go: Redis-backed resolution cache
  - settlement/engine.go: Resolves one price per assignment
  - store/sqlstore/prices.go: Source implementation
*/
package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/metrics"
)

// DefaultPrice is the per-unit fallback when no price row applies.
var DefaultPrice = decimal.NewFromInt(470)

// Price is one immutable price row.
type Price struct {
	ID          generic.PriceID
	StationID   generic.StationID
	FuelID      generic.FuelID
	Amount      decimal.Decimal
	EffectiveAt time.Time
	Active      bool
	CreatedBy   string
	CreatedAt   time.Time
	Seq         int64 // creation order, assigned by the store
}

// Resolution is the outcome of a lookup.
type Resolution struct {
	Amount   decimal.Decimal `json:"amount"`
	PriceID  generic.PriceID `json:"price_id,omitempty"`
	Fallback bool            `json:"fallback"`
}

// Source returns candidate rows: active, same station and fuel, EffectiveAt <= asOf.
type Source interface {
	PriceCandidates(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, asOf time.Time) ([]Price, error)
}

// Writer persists new price rows.
type Writer interface {
	AddPrice(ctx context.Context, p Price) (Price, error)
}

// Resolver picks the effective price.
type Resolver struct {
	source       Source
	cache        Cache
	defaultPrice decimal.Decimal
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache enables the resolution cache.
func WithCache(c Cache) Option { return func(r *Resolver) { r.cache = c } }

// WithDefaultPrice overrides DefaultPrice.
func WithDefaultPrice(p decimal.Decimal) Option {
	return func(r *Resolver) {
		if p.IsPositive() {
			r.defaultPrice = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.logger = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Resolver) { r.metrics = m } }

// NewResolver creates a resolver over the given source.
func NewResolver(source Source, opts ...Option) *Resolver {
	r := &Resolver{
		source:       source,
		defaultPrice: DefaultPrice,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Effective returns the price in force at asOf.
func (r *Resolver) Effective(ctx context.Context, stationID generic.StationID, fuelID generic.FuelID, asOf time.Time) (Resolution, error) {
	var (
		version int64
		cached  bool
	)
	if r.cache != nil {
		version, cached = r.cache.Version(ctx, stationID, fuelID)
	}
	if cached {
		if res, ok := r.cache.Get(ctx, stationID, fuelID, version, asOf); ok {
			r.metrics.PriceCacheLookup(true)
			return res, nil
		}
		r.metrics.PriceCacheLookup(false)
	}

	candidates, err := r.source.PriceCandidates(ctx, stationID, fuelID, asOf)
	if err != nil {
		return Resolution{}, fmt.Errorf("load price candidates: %w", err)
	}

	res := r.choose(candidates, asOf)
	if res.Fallback {
		r.logger.Warn("no effective price, using default",
			zap.String("station_id", string(stationID)),
			zap.String("fuel_id", string(fuelID)),
			zap.Time("as_of", asOf),
			zap.String("default_price", r.defaultPrice.String()),
		)
		r.metrics.PriceFallback()
		// Fallbacks are not cached: a price registered later must win at once.
		return res, nil
	}

	if cached {
		r.cache.Set(ctx, stationID, fuelID, version, asOf, res)
	}
	return res, nil
}

// choose applies the resolution rule to a candidate set.
func (r *Resolver) choose(candidates []Price, asOf time.Time) Resolution {
	var best *Price
	for i := range candidates {
		p := &candidates[i]
		if !p.Active || p.EffectiveAt.After(asOf) {
			continue
		}
		if best == nil || later(p, best) {
			best = p
		}
	}
	if best == nil {
		return Resolution{Amount: r.defaultPrice, Fallback: true}
	}
	return Resolution{Amount: best.Amount, PriceID: best.ID}
}

func later(a, b *Price) bool {
	if !a.EffectiveAt.Equal(b.EffectiveAt) {
		return a.EffectiveAt.After(b.EffectiveAt)
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// Register validates and stores a new price row, then invalidates the cache.
func (r *Resolver) Register(ctx context.Context, w Writer, p Price) (Price, error) {
	if !p.Amount.IsPositive() {
		return Price{}, fmt.Errorf("%w: %s", generic.ErrInvalidPrice, p.Amount)
	}
	if p.ID == "" {
		p.ID = generic.PriceID(generic.NewID("price"))
	}
	p.Active = true

	saved, err := w.AddPrice(ctx, p)
	if err != nil {
		return Price{}, err
	}

	if r.cache != nil {
		r.cache.Invalidate(ctx, p.StationID, p.FuelID)
	}
	r.logger.Info("price registered",
		zap.String("station_id", string(saved.StationID)),
		zap.String("fuel_id", string(saved.FuelID)),
		zap.String("amount", saved.Amount.String()),
		zap.Time("effective_at", saved.EffectiveAt),
	)
	return saved, nil
}
