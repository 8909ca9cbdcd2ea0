package settlement

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Classification is the payroll consequence of a variance.
type Classification string

const (
	Normal           Classification = "NORMAL"
	AddToSalary      Classification = "ADD_TO_SALARY"
	DeductFromSalary Classification = "DEDUCT_FROM_SALARY"
)

// Convention decides which sign of variance each worker is credited for.
// Variance is always computedSales - declared.
type Convention string

const (
	// PositiveAdds: variance above tolerance is added to salary, below is deducted.
	PositiveAdds Convention = "positive_adds"

	// PositiveDeducts: computed sales above what was declared is a shortage the
	// worker covers; a surplus is credited back.
	PositiveDeducts Convention = "positive_deducts"
)

// ParseConvention validates a configured convention.
func ParseConvention(s string) (Convention, error) {
	switch Convention(s) {
	case "", PositiveAdds:
		return PositiveAdds, nil
	case PositiveDeducts:
		return PositiveDeducts, nil
	default:
		return "", fmt.Errorf("unknown variance sign convention %q", s)
	}
}

// Tolerance is the band inside which a variance is NORMAL.
// The effective band is max(Flat, Percent% of sales).
type Tolerance struct {
	Flat       decimal.Decimal
	Percent    decimal.Decimal
	Convention Convention
}

// DefaultTolerance is a flat 20 with no percentage component.
func DefaultTolerance() Tolerance {
	return Tolerance{Flat: decimal.NewFromInt(20), Percent: decimal.Zero, Convention: PositiveAdds}
}

var hundred = decimal.NewFromInt(100)

// Band returns the effective tolerance for a sales figure.
func (t Tolerance) Band(sales decimal.Decimal) decimal.Decimal {
	band := t.Flat
	if t.Percent.IsPositive() {
		pct := sales.Abs().Mul(t.Percent).Div(hundred)
		if pct.GreaterThan(band) {
			band = pct
		}
	}
	return band
}

// Classify maps a variance onto a classification. |variance| <= band is NORMAL.
func (t Tolerance) Classify(variance, sales decimal.Decimal) Classification {
	band := t.Band(sales)
	if variance.Abs().LessThanOrEqual(band) {
		return Normal
	}
	positive := variance.IsPositive()
	if t.Convention == PositiveDeducts {
		positive = !positive
	}
	if positive {
		return AddToSalary
	}
	return DeductFromSalary
}
