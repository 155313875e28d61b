package calibration

import (
	"github.com/shopspring/decimal"
)

// Statistics summarises one repeatability series.
type Statistics struct {
	N             int             `json:"n"`
	Mean          decimal.Decimal `json:"mean"`
	Range         decimal.Decimal `json:"range"`
	StdDev        decimal.Decimal `json:"std_dev"`
	TypeA         decimal.Decimal `json:"type_a"`
	LowConfidence bool            `json:"low_confidence"`
}

// ComputeStatistics derives mean, range, sample standard deviation (n-1)
// and Type-A uncertainty s/sqrt(n) from a measurement series.
// A single value yields zero spread and is flagged as low confidence.
func ComputeStatistics(values []decimal.NullDecimal) (Statistics, error) {
	trial := RepeatabilityTrial{Measurements: values}
	if err := trial.Validate(); err != nil {
		return Statistics{}, err
	}
	present := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		if v.Valid {
			present = append(present, v.Decimal)
		}
	}
	n := len(present)
	if n == 0 {
		return Statistics{}, ErrInsufficientData
	}

	sum := decimal.Zero
	lo, hi := present[0], present[0]
	for _, v := range present {
		sum = sum.Add(v)
		if v.LessThan(lo) {
			lo = v
		}
		if v.GreaterThan(hi) {
			hi = v
		}
	}
	count := decimal.NewFromInt(int64(n))
	mean := sum.DivRound(count, InternalScale)
	stats := Statistics{
		N:      n,
		Mean:   mean,
		Range:  roundInternal(hi.Sub(lo)),
		StdDev: decimal.Zero,
		TypeA:  decimal.Zero,
	}
	if n == 1 {
		stats.LowConfidence = true
		return stats, nil
	}

	squares := decimal.Zero
	for _, v := range present {
		diff := v.Sub(mean)
		squares = squares.Add(diff.Mul(diff))
	}
	variance := squares.DivRound(decimal.NewFromInt(int64(n-1)), InternalScale+sqrtGuardDigits)
	stdDev, err := Sqrt(variance)
	if err != nil {
		return Statistics{}, err
	}
	rootN, err := Sqrt(count)
	if err != nil {
		return Statistics{}, err
	}
	stats.StdDev = stdDev
	stats.TypeA = stdDev.DivRound(rootN, InternalScale)
	return stats, nil
}

// MaxTypeA picks the largest Type-A across trials.
func MaxTypeA(stats []Statistics) (decimal.Decimal, bool) {
	if len(stats) == 0 {
		return decimal.Zero, false
	}
	best := stats[0].TypeA
	lowConfidence := stats[0].LowConfidence
	for _, s := range stats[1:] {
		best = maxDecimal(best, s.TypeA)
		lowConfidence = lowConfidence || s.LowConfidence
	}
	return best, lowConfidence
}
