package calibration

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// AccuracyClass is the OIML accuracy class of a weighing instrument.
type AccuracyClass string

const (
	ClassI    AccuracyClass = "I"
	ClassII   AccuracyClass = "II"
	ClassIII  AccuracyClass = "III"
	ClassIIII AccuracyClass = "IIII"
)

// Valid reports whether the class is known.
func (c AccuracyClass) Valid() bool {
	switch c {
	case ClassI, ClassII, ClassIII, ClassIIII:
		return true
	default:
		return false
	}
}

// VerificationType selects the MPE regime.
type VerificationType string

const (
	VerificationInitial    VerificationType = "initial"
	VerificationSubsequent VerificationType = "subsequent"
	VerificationInUse      VerificationType = "in_use"
)

// Valid reports whether the verification type is known.
func (v VerificationType) Valid() bool {
	switch v {
	case VerificationInitial, VerificationSubsequent, VerificationInUse:
		return true
	default:
		return false
	}
}

// MPEBand applies MPEInE while load/e <= UpToE. A zero UpToE is unbounded.
type MPEBand struct {
	UpToE  decimal.Decimal `json:"up_to_e"`
	MPEInE decimal.Decimal `json:"mpe_e"`
}

// MPERule holds the bands for one class and verification type.
type MPERule struct {
	Class            AccuracyClass    `json:"class"`
	VerificationType VerificationType `json:"verification_type"`
	Bands            []MPEBand        `json:"bands"`
}

// MPETable is a named set of MPE rules.
type MPETable struct {
	Name  string    `json:"name"`
	Rules []MPERule `json:"rules"`
}

// Lookup returns the MPE, in instrument units, for a load.
func (t *MPETable) Lookup(class AccuracyClass, verification VerificationType, load, e decimal.Decimal) (decimal.Decimal, error) {
	if t == nil {
		return decimal.Zero, ErrMissingMPETable
	}
	if !e.IsPositive() {
		return decimal.Zero, errors.Wrap(ErrInvalidInstrument, "verification division must be positive")
	}
	loadInE := load.Abs().DivRound(e, InternalScale)
	for _, rule := range t.Rules {
		if rule.Class != class || rule.VerificationType != verification {
			continue
		}
		for _, band := range rule.Bands {
			if band.UpToE.IsZero() || loadInE.LessThanOrEqual(band.UpToE) {
				return roundInternal(band.MPEInE.Mul(e)), nil
			}
		}
		return decimal.Zero, errors.Wrapf(ErrMissingMPETable, "class %s %s: load %s e beyond last band", class, verification, loadInE.String())
	}
	return decimal.Zero, errors.Wrapf(ErrMissingMPETable, "class %s %s", class, verification)
}

// OIMLR76Name names the built-in table.
const OIMLR76Name = "oiml_r76"

// OIMLR76Table returns the OIML R76 non-automatic weighing instrument table.
// In-service MPE is twice the verification MPE.
func OIMLR76Table() *MPETable {
	type limits struct {
		class AccuracyClass
		edges [3]int64
	}
	classes := []limits{
		{ClassI, [3]int64{50000, 200000, 0}},
		{ClassII, [3]int64{5000, 20000, 100000}},
		{ClassIII, [3]int64{500, 2000, 10000}},
		{ClassIIII, [3]int64{50, 200, 1000}},
	}
	steps := []decimal.Decimal{
		decimal.NewFromFloat(0.5),
		decimal.NewFromInt(1),
		decimal.NewFromFloat(1.5),
	}
	table := &MPETable{Name: OIMLR76Name}
	for _, l := range classes {
		for _, vt := range []VerificationType{VerificationInitial, VerificationSubsequent, VerificationInUse} {
			multiplier := decimal.NewFromInt(1)
			if vt == VerificationInUse {
				multiplier = decimalTwo
			}
			bands := make([]MPEBand, 0, len(steps))
			for i, step := range steps {
				bands = append(bands, MPEBand{
					UpToE:  decimal.NewFromInt(l.edges[i]),
					MPEInE: step.Mul(multiplier),
				})
			}
			table.Rules = append(table.Rules, MPERule{Class: l.class, VerificationType: vt, Bands: bands})
		}
	}
	return table
}
