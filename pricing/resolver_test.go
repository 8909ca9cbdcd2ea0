package pricing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/pricing"
)

// memorySource filters like the SQL store does: active rows with EffectiveAt <= asOf.
type memorySource struct {
	rows  []pricing.Price
	calls int
	err   error
}

func (m *memorySource) PriceCandidates(_ context.Context, stationID generic.StationID, fuelID generic.FuelID, asOf time.Time) ([]pricing.Price, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []pricing.Price
	for _, p := range m.rows {
		if p.StationID == stationID && p.FuelID == fuelID && p.Active && !p.EffectiveAt.After(asOf) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memorySource) AddPrice(_ context.Context, p pricing.Price) (pricing.Price, error) {
	p.Seq = int64(len(m.rows) + 1)
	m.rows = append(m.rows, p)
	return p, nil
}

// mapCache keeps every entry and only bumps the version on Invalidate, the
// way RedisCache orphans old keys.
type mapCache struct {
	entries     map[string]pricing.Resolution
	version     int64
	invalidated int
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]pricing.Resolution{}} }

func key(s generic.StationID, f generic.FuelID, v int64, t time.Time) string {
	return fmt.Sprintf("%s|%s|v%d|%d", s, f, v, t.UnixNano())
}

func (c *mapCache) Version(context.Context, generic.StationID, generic.FuelID) (int64, bool) {
	return c.version, true
}

func (c *mapCache) Get(_ context.Context, s generic.StationID, f generic.FuelID, v int64, t time.Time) (pricing.Resolution, bool) {
	r, ok := c.entries[key(s, f, v, t)]
	return r, ok
}

func (c *mapCache) Set(_ context.Context, s generic.StationID, f generic.FuelID, v int64, t time.Time, r pricing.Resolution) {
	c.entries[key(s, f, v, t)] = r
}

func (c *mapCache) Invalidate(context.Context, generic.StationID, generic.FuelID) {
	c.invalidated++
	c.version++
}

// racingSource runs during once, after the candidates were read and before
// they are returned, as a concurrent writer would.
type racingSource struct {
	*memorySource
	during func()
}

func (r *racingSource) PriceCandidates(ctx context.Context, s generic.StationID, f generic.FuelID, asOf time.Time) ([]pricing.Price, error) {
	rows, err := r.memorySource.PriceCandidates(ctx, s, f, asOf)
	if r.during != nil {
		during := r.during
		r.during = nil
		during()
	}
	return rows, err
}

var (
	jan1  = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	jan10 = time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	jan15 = time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)
)

func price(id string, amount int64, at time.Time, seq int64) pricing.Price {
	return pricing.Price{
		ID: generic.PriceID(id), StationID: "st-1", FuelID: "petrol-92",
		Amount: decimal.NewFromInt(amount), EffectiveAt: at, Active: true, Seq: seq,
	}
}

func TestEffective_LatestEffectiveDateWins(t *testing.T) {
	// GIVEN: Prices effective Jan 1 and Jan 10
	src := &memorySource{rows: []pricing.Price{
		price("p-old", 300, jan1, 1),
		price("p-new", 320, jan10, 2),
	}}
	r := pricing.NewResolver(src)

	// WHEN: A shift starting Jan 15 resolves its price
	res, err := r.Effective(context.Background(), "st-1", "petrol-92", jan15)

	// THEN: The Jan 10 price applies
	require.NoError(t, err)
	assert.Equal(t, generic.PriceID("p-new"), res.PriceID)
	assert.True(t, decimal.NewFromInt(320).Equal(res.Amount))
	assert.False(t, res.Fallback)
}

func TestEffective_TieBreaksOnCreationOrder(t *testing.T) {
	// GIVEN: Two rows with the same effective date, entered in sequence
	src := &memorySource{rows: []pricing.Price{
		price("p-first", 310, jan10, 1),
		price("p-correction", 315, jan10, 2),
	}}
	r := pricing.NewResolver(src)

	res, err := r.Effective(context.Background(), "st-1", "petrol-92", jan15)

	// THEN: The most recently created row wins
	require.NoError(t, err)
	assert.Equal(t, generic.PriceID("p-correction"), res.PriceID)
}

func TestEffective_MidShiftChangeDoesNotApply(t *testing.T) {
	// GIVEN: A shift starts at 06:00 and a new price becomes effective at 12:00
	shiftStart := jan15
	src := &memorySource{rows: []pricing.Price{
		price("p-morning", 300, jan1, 1),
		price("p-noon", 350, shiftStart.Add(6*time.Hour), 2),
	}}
	r := pricing.NewResolver(src)

	// WHEN: Settlement resolves at shift start
	res, err := r.Effective(context.Background(), "st-1", "petrol-92", shiftStart)

	// THEN: The pre-shift price is used
	require.NoError(t, err)
	assert.Equal(t, generic.PriceID("p-morning"), res.PriceID)
}

func TestEffective_IgnoresInactiveRows(t *testing.T) {
	inactive := price("p-retired", 999, jan10, 2)
	inactive.Active = false
	src := &memorySource{rows: []pricing.Price{price("p-live", 300, jan1, 1), inactive}}
	r := pricing.NewResolver(src)

	res, err := r.Effective(context.Background(), "st-1", "petrol-92", jan15)

	require.NoError(t, err)
	assert.Equal(t, generic.PriceID("p-live"), res.PriceID)
}

func TestEffective_FallbackToDefault(t *testing.T) {
	// GIVEN: No price rows at all
	r := pricing.NewResolver(&memorySource{})

	// WHEN: A price is resolved
	res, err := r.Effective(context.Background(), "st-1", "petrol-92", jan15)

	// THEN: The documented default is used and flagged
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.True(t, pricing.DefaultPrice.Equal(res.Amount))

	custom := pricing.NewResolver(&memorySource{}, pricing.WithDefaultPrice(decimal.NewFromInt(400)))
	res, err = custom.Effective(context.Background(), "st-1", "petrol-92", jan15)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(400).Equal(res.Amount))
}

func TestEffective_SourceErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	r := pricing.NewResolver(&memorySource{err: boom})

	_, err := r.Effective(context.Background(), "st-1", "petrol-92", jan15)

	assert.ErrorIs(t, err, boom)
}

func TestEffective_CacheHitAndInvalidation(t *testing.T) {
	// GIVEN: A resolver with a cache
	src := &memorySource{rows: []pricing.Price{price("p-1", 300, jan1, 1)}}
	cache := newMapCache()
	r := pricing.NewResolver(src, pricing.WithCache(cache))
	ctx := context.Background()

	// WHEN: The same lookup runs twice
	_, err := r.Effective(ctx, "st-1", "petrol-92", jan15)
	require.NoError(t, err)
	_, err = r.Effective(ctx, "st-1", "petrol-92", jan15)
	require.NoError(t, err)

	// THEN: The source was hit once
	assert.Equal(t, 1, src.calls)

	// WHEN: A backdated price is registered
	_, err = r.Register(ctx, src, price("", 330, jan10, 0))
	require.NoError(t, err)

	// THEN: The cache is invalidated and the next lookup sees the new row
	assert.Equal(t, 1, cache.invalidated)
	res, err := r.Effective(ctx, "st-1", "petrol-92", jan15)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(330).Equal(res.Amount))
	assert.Equal(t, 2, src.calls)
}

func TestEffective_RegisterDuringLoadIsNotCachedStale(t *testing.T) {
	// GIVEN: A lookup whose candidate load races with a new registration
	mem := &memorySource{rows: []pricing.Price{price("p-1", 300, jan1, 1)}}
	src := &racingSource{memorySource: mem}
	cache := newMapCache()
	r := pricing.NewResolver(src, pricing.WithCache(cache))
	ctx := context.Background()
	src.during = func() {
		_, err := r.Register(ctx, mem, price("", 330, jan10, 0))
		require.NoError(t, err)
	}

	// WHEN: The racing lookup finishes with the old rows
	res, err := r.Effective(ctx, "st-1", "petrol-92", jan15)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(300).Equal(res.Amount))

	// THEN: Its result was kept under the old version, so the next lookup
	// reloads and sees the registered price
	res, err = r.Effective(ctx, "st-1", "petrol-92", jan15)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(330).Equal(res.Amount))
	assert.Equal(t, 2, mem.calls)
}

func TestRegister_RejectsNonPositive(t *testing.T) {
	r := pricing.NewResolver(&memorySource{})

	_, err := r.Register(context.Background(), &memorySource{}, price("p-bad", 0, jan1, 0))

	assert.ErrorIs(t, err, generic.ErrInvalidPrice)
}
