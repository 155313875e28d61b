package calibration

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ComponentKind classifies an uncertainty contribution.
type ComponentKind string

const (
	KindTypeA             ComponentKind = "type_a"
	KindReferenceStandard ComponentKind = "reference_standard"
	KindResolution        ComponentKind = "resolution"
	KindDrift             ComponentKind = "drift"
	KindTemperature       ComponentKind = "temperature"
	KindEccentricity      ComponentKind = "eccentricity"
	KindOther             ComponentKind = "other"
)

// Valid reports whether the kind is known.
func (k ComponentKind) Valid() bool {
	switch k {
	case KindTypeA, KindReferenceStandard, KindResolution, KindDrift, KindTemperature, KindEccentricity, KindOther:
		return true
	default:
		return false
	}
}

// Distribution is the assumed probability distribution of a contribution.
type Distribution string

const (
	DistributionNormal      Distribution = "normal"
	DistributionRectangular Distribution = "rectangular"
	DistributionTriangular  Distribution = "triangular"
)

// DefaultCoverageFactor is k when neither the event nor the tenant sets one.
var DefaultCoverageFactor = decimal.NewFromInt(2)

var (
	minCoverageFactor = decimal.NewFromInt(1)
	maxCoverageFactor = decimal.NewFromInt(4)
)

// UncertaintyComponent is one input to the budget. A positive Divisor
// overrides the distribution default.
type UncertaintyComponent struct {
	Name         string          `json:"name"`
	Kind         ComponentKind   `json:"kind"`
	Value        decimal.Decimal `json:"value"`
	Distribution Distribution    `json:"distribution"`
	Divisor      decimal.Decimal `json:"divisor"`
}

// EffectiveDivisor resolves the divisor used for the standard uncertainty.
func (c UncertaintyComponent) EffectiveDivisor() (decimal.Decimal, error) {
	if c.Divisor.IsPositive() {
		return c.Divisor, nil
	}
	if c.Divisor.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrInvalidComponent, "%s: negative divisor", c.Name)
	}
	switch c.Distribution {
	case DistributionNormal, "":
		return decimal.NewFromInt(1), nil
	case DistributionRectangular:
		return Sqrt(decimalThree)
	case DistributionTriangular:
		return Sqrt(decimalSix)
	default:
		return decimal.Zero, errors.Wrapf(ErrInvalidComponent, "%s: unknown distribution %q", c.Name, c.Distribution)
	}
}

// StandardUncertainty returns value / divisor.
func (c UncertaintyComponent) StandardUncertainty() (decimal.Decimal, error) {
	if c.Value.IsNegative() {
		return decimal.Zero, errors.Wrapf(ErrInvalidComponent, "%s: negative value", c.Name)
	}
	divisor, err := c.EffectiveDivisor()
	if err != nil {
		return decimal.Zero, err
	}
	return c.Value.DivRound(divisor, InternalScale), nil
}

// BudgetLine is a component with its resolved standard uncertainty.
type BudgetLine struct {
	Name         string          `json:"name"`
	Kind         ComponentKind   `json:"kind"`
	Value        decimal.Decimal `json:"value"`
	Distribution Distribution    `json:"distribution"`
	Divisor      decimal.Decimal `json:"divisor"`
	Standard     decimal.Decimal `json:"standard"`
}

// UncertaintyBudget is the assembled budget of one event.
type UncertaintyBudget struct {
	Lines          []BudgetLine    `json:"lines"`
	Combined       decimal.Decimal `json:"combined"`
	CoverageFactor decimal.Decimal `json:"coverage_factor"`
	Expanded       decimal.Decimal `json:"expanded"`
}

// ResolveCoverageFactor applies the default and validates the 1..4 range.
func ResolveCoverageFactor(k decimal.Decimal) (decimal.Decimal, error) {
	if k.IsZero() {
		return DefaultCoverageFactor, nil
	}
	if k.LessThan(minCoverageFactor) || k.GreaterThan(maxCoverageFactor) {
		return decimal.Zero, errors.Wrapf(ErrInvalidCoverageFactor, "k=%s", k.String())
	}
	return k, nil
}

// AssembleBudget combines components by root-sum-of-squares and expands by k.
// Every kind in mandatory must appear at least once.
func AssembleBudget(components []UncertaintyComponent, k decimal.Decimal, mandatory []ComponentKind) (UncertaintyBudget, error) {
	present := make(map[ComponentKind]bool, len(components))
	for _, c := range components {
		present[c.Kind] = true
	}
	for _, kind := range mandatory {
		if !present[kind] {
			return UncertaintyBudget{}, errors.Wrapf(ErrIncompleteBudget, "missing %s", kind)
		}
	}
	if len(components) == 0 {
		return UncertaintyBudget{}, ErrIncompleteBudget
	}
	factor, err := ResolveCoverageFactor(k)
	if err != nil {
		return UncertaintyBudget{}, err
	}

	lines := make([]BudgetLine, 0, len(components))
	sumSquares := decimal.Zero
	for _, c := range components {
		divisor, err := c.EffectiveDivisor()
		if err != nil {
			return UncertaintyBudget{}, err
		}
		standard, err := c.StandardUncertainty()
		if err != nil {
			return UncertaintyBudget{}, err
		}
		sumSquares = sumSquares.Add(standard.Mul(standard))
		lines = append(lines, BudgetLine{
			Name:         c.Name,
			Kind:         c.Kind,
			Value:        c.Value,
			Distribution: c.Distribution,
			Divisor:      divisor,
			Standard:     standard,
		})
	}
	combined, err := Sqrt(sumSquares)
	if err != nil {
		return UncertaintyBudget{}, err
	}
	return UncertaintyBudget{
		Lines:          lines,
		Combined:       combined,
		CoverageFactor: factor,
		Expanded:       roundInternal(combined.Mul(factor)),
	}, nil
}

// ResolutionComponent models the scale interval d as a rectangular
// contribution with half-width d/2.
func ResolutionComponent(d decimal.Decimal) UncertaintyComponent {
	return UncertaintyComponent{
		Name:         "resolution",
		Kind:         KindResolution,
		Value:        d.DivRound(decimalTwo, InternalScale),
		Distribution: DistributionRectangular,
	}
}

// TypeAComponent wraps a Type-A standard uncertainty as a normal contribution.
func TypeAComponent(typeA decimal.Decimal) UncertaintyComponent {
	return UncertaintyComponent{
		Name:         "repeatability",
		Kind:         KindTypeA,
		Value:        typeA,
		Distribution: DistributionNormal,
	}
}
