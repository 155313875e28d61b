package calibration

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// InternalScale is the number of decimal places kept between pipeline stages.
	InternalScale int32 = 12
	// PresentationScale is the number of decimal places shown on certificates.
	PresentationScale int32 = 6

	sqrtGuardDigits int32 = 4
	sqrtMaxRounds         = 50
)

var (
	decimalTwo   = decimal.NewFromInt(2)
	decimalThree = decimal.NewFromInt(3)
	decimalSix   = decimal.NewFromInt(6)
)

// Sqrt returns the square root of d rounded to InternalScale.
// The result depends only on d, so repeated runs are bit-identical.
func Sqrt(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsNegative() {
		return decimal.Zero, ErrNegativeSqrt
	}
	if d.IsZero() {
		return decimal.Zero, nil
	}
	precision := InternalScale + sqrtGuardDigits
	x := sqrtSeed(d)
	for i := 0; i < sqrtMaxRounds; i++ {
		next := x.Add(d.DivRound(x, precision)).DivRound(decimalTwo, precision)
		if next.Equal(x) {
			break
		}
		x = next
	}
	return x.Round(InternalScale), nil
}

// sqrtSeed starts Newton's iteration from the float root when d fits in a
// float64, else from 10^(digits/2).
func sqrtSeed(d decimal.Decimal) decimal.Decimal {
	f, _ := d.Float64()
	root := math.Sqrt(f)
	if root > 0 && !math.IsInf(root, 0) && !math.IsNaN(root) {
		return decimal.NewFromFloat(root)
	}
	magnitude := d.Exponent() + int32(len(d.Coefficient().String()))
	return decimal.New(1, magnitude/2)
}

// Present rounds a value to the certificate scale (half away from zero).
func Present(d decimal.Decimal) decimal.Decimal {
	return d.Round(PresentationScale)
}

func roundInternal(d decimal.Decimal) decimal.Decimal {
	return d.Round(InternalScale)
}

func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
