/*
Package meter converts pump meter readings into dispensed quantities.

PURPOSE:
  Nozzle meters are cumulative counters that wrap to zero after meterMax.
  A shift records a start and an end reading per assignment; the dispensed
  quantity is their difference, unless the meter rolled over in between.

ROLLOVER RULE:
  A backward reading is a rollover only when the start was near the top of
  the meter (> 90% of meterMax) AND the end is near the bottom (< 10%):

    quantity = (meterMax - start) + end

  Any other backward reading is a data-entry error.

EXAMPLES:
  Delta(1000, 1500, 99999)  = 500
  Delta(95000, 500, 99999)  = 5499   (rolled over)
  Delta(5000, 4000, 99999)  = InvalidMeterReadingError

SEE ALSO:
  - settlement/engine.go: Calls Delta once per assignment
*/
package meter

import (
	"github.com/shopspring/decimal"

	"github.com/warp/station-ledger/generic"
)

var (
	rolloverHigh = decimal.RequireFromString("0.9")
	rolloverLow  = decimal.RequireFromString("0.1")
)

// Delta returns the quantity dispensed between two readings.
// The result is never negative.
func Delta(start, end, meterMax decimal.Decimal) (decimal.Decimal, error) {
	if start.IsNegative() || end.IsNegative() {
		return decimal.Zero, &generic.InvalidMeterReadingError{
			Start: start, End: end, MeterMax: meterMax, Reason: "negative reading",
		}
	}

	if end.GreaterThanOrEqual(start) {
		return end.Sub(start), nil
	}

	if !meterMax.IsPositive() {
		return decimal.Zero, &generic.InvalidMeterReadingError{
			Start: start, End: end, MeterMax: meterMax, Reason: "backward reading without meter maximum",
		}
	}

	if IsRollover(start, end, meterMax) {
		return meterMax.Sub(start).Add(end), nil
	}

	return decimal.Zero, &generic.InvalidMeterReadingError{
		Start: start, End: end, MeterMax: meterMax, Reason: "end reading below start reading",
	}
}

// IsRollover reports whether a backward reading looks like a meter wrap.
func IsRollover(start, end, meterMax decimal.Decimal) bool {
	return start.GreaterThan(meterMax.Mul(rolloverHigh)) &&
		end.LessThan(meterMax.Mul(rolloverLow))
}

// Calculator applies a default meter maximum for nozzles that have none recorded.
type Calculator struct {
	DefaultMeterMax decimal.Decimal
}

// NewCalculator creates a calculator with the given fallback maximum.
func NewCalculator(defaultMax decimal.Decimal) *Calculator {
	return &Calculator{DefaultMeterMax: defaultMax}
}

// Delta is meter.Delta with the fallback maximum substituted for zero.
func (c *Calculator) Delta(start, end, meterMax decimal.Decimal) (decimal.Decimal, error) {
	if !meterMax.IsPositive() {
		meterMax = c.DefaultMeterMax
	}
	return Delta(start, end, meterMax)
}
