package calibration

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Method describes what a calibration procedure requires.
type Method struct {
	Code                  string          `json:"code"`
	Name                  string          `json:"name"`
	RequiresRepeatability bool            `json:"requires_repeatability"`
	RequiresEccentricity  bool            `json:"requires_eccentricity"`
	MandatoryComponents   []ComponentKind `json:"mandatory_components"`
}

// DefaultMethodCode is used when an event does not name a method.
const DefaultMethodCode = "weighing_nawi"

// DefaultMethod is the non-automatic weighing procedure.
func DefaultMethod() Method {
	return Method{
		Code:                  DefaultMethodCode,
		Name:                  "Non-automatic weighing instrument",
		RequiresRepeatability: true,
		MandatoryComponents:   []ComponentKind{KindTypeA, KindReferenceStandard},
	}
}

// Mandatory returns the mandatory component kinds. Type-A and reference
// standard are always required; configured kinds are added to them.
func (m Method) Mandatory() []ComponentKind {
	out := []ComponentKind{KindTypeA, KindReferenceStandard}
	for _, kind := range m.MandatoryComponents {
		if !slices.Contains(out, kind) {
			out = append(out, kind)
		}
	}
	return out
}

var testPointFractions = []decimal.Decimal{
	decimal.NewFromFloat(0.10),
	decimal.NewFromFloat(0.25),
	decimal.NewFromFloat(0.50),
	decimal.NewFromFloat(0.75),
	decimal.NewFromInt(1),
}

// SuggestedLoads are the proposed loads for a new event.
type SuggestedLoads struct {
	TestPoints        []decimal.Decimal `json:"test_points"`
	EccentricityLoad  decimal.Decimal   `json:"eccentricity_load"`
	RepeatabilityLoad decimal.Decimal   `json:"repeatability_load"`
}

// SuggestLoads proposes 10/25/50/75/100 % of Max, Max/3 for eccentricity
// and Max/2 for repeatability, each rounded to a multiple of e.
func SuggestLoads(instrument Instrument) (SuggestedLoads, error) {
	if !instrument.MaxCapacity.IsPositive() {
		return SuggestedLoads{}, ErrInvalidInstrument
	}
	e := instrument.EffectiveDivision()
	if !e.IsPositive() {
		return SuggestedLoads{}, ErrInvalidInstrument
	}
	roundToE := func(v decimal.Decimal) decimal.Decimal {
		return v.DivRound(e, 0).Mul(e)
	}
	loads := SuggestedLoads{
		EccentricityLoad:  roundToE(instrument.MaxCapacity.DivRound(decimalThree, InternalScale)),
		RepeatabilityLoad: roundToE(instrument.MaxCapacity.DivRound(decimalTwo, InternalScale)),
	}
	for _, f := range testPointFractions {
		loads.TestPoints = append(loads.TestPoints, roundToE(instrument.MaxCapacity.Mul(f)))
	}
	return loads, nil
}
