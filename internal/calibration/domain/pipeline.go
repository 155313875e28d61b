package calibration

import (
	"time"

	"github.com/shopspring/decimal"
)

// Policy is the tenant configuration the pipeline runs under.
type Policy struct {
	CoverageFactor      decimal.Decimal
	DecisionRule        DecisionRule
	MPETable            *MPETable
	Methods             map[string]Method
	EnvironmentLimits   EnvironmentLimits
	RecalibrationMonths int
}

// Method resolves a method by code, defaulting to DefaultMethod.
func (p Policy) Method(code string) Method {
	if code == "" {
		code = DefaultMethodCode
	}
	if m, ok := p.Methods[code]; ok {
		return m
	}
	if code == DefaultMethodCode {
		return DefaultMethod()
	}
	return Method{Code: code, Name: code}
}

// CoverageFactorFor picks the event k, then the tenant k, then the default.
func (p Policy) CoverageFactorFor(e *CalibrationEvent) decimal.Decimal {
	if !e.CoverageFactor.IsZero() {
		return e.CoverageFactor
	}
	if !p.CoverageFactor.IsZero() {
		return p.CoverageFactor
	}
	return DefaultCoverageFactor
}

// Compute runs statistics, budget and conformity for an event in
// readings_entered. It never mutates the event.
func Compute(e *CalibrationEvent, policy Policy, now time.Time) (ComputedResults, error) {
	if err := Refuse(TransitionCompute, e.Status, CanCompute(e)); err != nil {
		return ComputedResults{}, err
	}
	if err := Refuse(TransitionCompute, e.Status, CheckStandards(e.Standards, e.Instrument.AccuracyClass, now)); err != nil {
		return ComputedResults{}, err
	}
	method := policy.Method(e.MethodCode)
	if method.RequiresEccentricity && len(e.Eccentricity) == 0 {
		return ComputedResults{}, Refuse(TransitionCompute, e.Status, Block(ReasonInsufficientData, "eccentricity test required"))
	}

	var stats []Statistics
	for _, t := range e.Trials {
		if t.Count() == 0 {
			continue
		}
		s, err := ComputeStatistics(t.Measurements)
		if err != nil {
			return ComputedResults{}, Blocked(TransitionCompute, e.Status, err)
		}
		stats = append(stats, s)
	}
	typeA, lowConfidence := MaxTypeA(stats)
	if len(stats) == 0 {
		return ComputedResults{}, Blocked(TransitionCompute, e.Status, ErrInsufficientData)
	}

	components := BudgetComponents(e, typeA)
	budget, err := AssembleBudget(components, policy.CoverageFactorFor(e), method.Mandatory())
	if err != nil {
		return ComputedResults{}, Blocked(TransitionCompute, e.Status, err)
	}

	conformity, err := EvaluateConformity(ConformityInput{
		Instrument:       e.Instrument,
		VerificationType: e.VerificationType,
		Rule:             e.DecisionRule,
		Table:            policy.MPETable,
		Expanded:         budget.Expanded,
		Readings:         e.Readings,
		Eccentricity:     e.Eccentricity,
		EccentricityLoad: e.EccentricityLoad,
	})
	if err != nil {
		return ComputedResults{}, Blocked(TransitionCompute, e.Status, err)
	}

	limits := policy.EnvironmentLimits
	if limits == (EnvironmentLimits{}) {
		limits = DefaultEnvironmentLimits()
	}
	warnings := e.Environment.Warnings(limits)
	if lowConfidence {
		warnings = append(warnings, "repeatability from a single measurement")
	}
	return ComputedResults{
		TrialStatistics: stats,
		TypeA:           typeA,
		LowConfidence:   lowConfidence,
		Budget:          budget,
		Conformity:      conformity,
		Warnings:        warnings,
		Label:           LabelFor(conformity.Overall, len(warnings) > 0),
		ComputedAt:      now,
	}, nil
}

// BudgetComponents merges entered Type-B components with the computed
// Type-A contribution and, when none was entered, the scale resolution.
func BudgetComponents(e *CalibrationEvent, typeA decimal.Decimal) []UncertaintyComponent {
	components := make([]UncertaintyComponent, 0, len(e.Components)+2)
	components = append(components, TypeAComponent(typeA))
	hasResolution := false
	for _, c := range e.Components {
		if c.Kind == KindTypeA {
			continue
		}
		if c.Kind == KindResolution {
			hasResolution = true
		}
		components = append(components, c)
	}
	if !hasResolution && e.Instrument.Resolution.IsPositive() {
		components = append(components, ResolutionComponent(e.Instrument.Resolution))
	}
	return components
}
