package calibration

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DecisionRule converts error and uncertainty into a verdict.
type DecisionRule string

const (
	RuleSimple     DecisionRule = "simple"
	RuleGuardBand  DecisionRule = "guard_band"
	RuleSharedRisk DecisionRule = "shared_risk"
)

// Valid reports whether the rule is known.
func (r DecisionRule) Valid() bool {
	switch r {
	case RuleSimple, RuleGuardBand, RuleSharedRisk:
		return true
	default:
		return false
	}
}

// Verdict is the conformity outcome of a point or an event.
type Verdict string

const (
	VerdictConforms      Verdict = "conforms"
	VerdictIndeterminate Verdict = "indeterminate"
	VerdictRejected      Verdict = "rejected"
)

func verdictRank(v Verdict) int {
	switch v {
	case VerdictConforms:
		return 1
	case VerdictIndeterminate:
		return 2
	case VerdictRejected:
		return 3
	default:
		return 0
	}
}

// WorstVerdict returns the most pessimistic verdict; conforms when empty.
func WorstVerdict(verdicts ...Verdict) Verdict {
	worst := VerdictConforms
	for _, v := range verdicts {
		if verdictRank(v) > verdictRank(worst) {
			worst = v
		}
	}
	return worst
}

// Decide applies a decision rule to |error|, MPE and expanded uncertainty U.
// It returns the verdict and the acceptance limit used.
func Decide(rule DecisionRule, absError, mpe, expanded decimal.Decimal) (Verdict, decimal.Decimal, error) {
	absError = absError.Abs()
	switch rule {
	case RuleSimple, RuleSharedRisk:
		if absError.LessThanOrEqual(mpe) {
			return VerdictConforms, mpe, nil
		}
		return VerdictRejected, mpe, nil
	case RuleGuardBand:
		limit := mpe.Sub(expanded)
		if absError.GreaterThan(mpe) {
			return VerdictRejected, limit, nil
		}
		if !limit.IsNegative() && absError.LessThanOrEqual(limit) {
			return VerdictConforms, limit, nil
		}
		return VerdictIndeterminate, limit, nil
	default:
		return "", decimal.Zero, errors.Wrapf(ErrInvalidDecisionRule, "%q", rule)
	}
}

// PointResult is the evaluation of one reading.
type PointResult struct {
	ReadingID       string          `json:"reading_id"`
	PointIndex      int             `json:"point_index"`
	Direction       Direction       `json:"direction"`
	Repetition      int             `json:"repetition"`
	Reference       decimal.Decimal `json:"reference"`
	Indication      decimal.Decimal `json:"indication"`
	Correction      decimal.Decimal `json:"correction"`
	Error           decimal.Decimal `json:"error"`
	MPE             decimal.Decimal `json:"mpe"`
	AcceptanceLimit decimal.Decimal `json:"acceptance_limit"`
	Uncertainty     decimal.Decimal `json:"uncertainty"`
	Verdict         Verdict         `json:"verdict"`
	Straddles       bool            `json:"straddles"`
}

// EccentricityResult is the evaluation of one off-center position.
type EccentricityResult struct {
	Position   EccentricityPosition `json:"position"`
	Indication decimal.Decimal      `json:"indication"`
	Deviation  decimal.Decimal      `json:"deviation"`
	MPE        decimal.Decimal      `json:"mpe"`
	Verdict    Verdict              `json:"verdict"`
	Straddles  bool                 `json:"straddles"`
}

// ConformityResult is the full conformity statement of an event.
type ConformityResult struct {
	Rule         DecisionRule         `json:"rule"`
	Expanded     decimal.Decimal      `json:"expanded_uncertainty"`
	Points       []PointResult        `json:"points"`
	Eccentricity []EccentricityResult `json:"eccentricity,omitempty"`
	Overall      Verdict              `json:"overall"`
	Downgraded   bool                 `json:"downgraded"`
}

// ConformityInput carries everything needed to evaluate an event.
type ConformityInput struct {
	Instrument       Instrument
	VerificationType VerificationType
	Rule             DecisionRule
	Table            *MPETable
	Expanded         decimal.Decimal
	Readings         []Reading
	Eccentricity     []EccentricityReading
	EccentricityLoad decimal.Decimal
}

// EvaluateConformity evaluates every reading and folds the verdicts
// pessimistically. Under guard_band and shared_risk a conforming overall
// result is downgraded to indeterminate when any uncertainty interval
// crosses the MPE.
func EvaluateConformity(in ConformityInput) (ConformityResult, error) {
	if !in.Rule.Valid() {
		return ConformityResult{}, errors.Wrapf(ErrInvalidDecisionRule, "%q", in.Rule)
	}
	if len(in.Readings) == 0 {
		return ConformityResult{}, ErrNoReadings
	}
	e := in.Instrument.EffectiveDivision()
	readings := append([]Reading(nil), in.Readings...)
	sort.SliceStable(readings, func(i, j int) bool {
		if readings[i].PointIndex != readings[j].PointIndex {
			return readings[i].PointIndex < readings[j].PointIndex
		}
		if readings[i].Direction != readings[j].Direction {
			return readings[i].Direction > readings[j].Direction
		}
		return readings[i].Repetition < readings[j].Repetition
	})

	result := ConformityResult{Rule: in.Rule, Expanded: in.Expanded}
	verdicts := make([]Verdict, 0, len(readings)+len(in.Eccentricity))
	straddles := false
	for _, r := range readings {
		mpe, err := in.Table.Lookup(in.Instrument.AccuracyClass, in.VerificationType, r.Reference, e)
		if err != nil {
			return ConformityResult{}, err
		}
		measured := r.MeasurementError()
		verdict, limit, err := Decide(in.Rule, measured, mpe, in.Expanded)
		if err != nil {
			return ConformityResult{}, err
		}
		crossing := measured.Abs().Add(in.Expanded).GreaterThan(mpe)
		straddles = straddles || crossing
		result.Points = append(result.Points, PointResult{
			ReadingID:       r.ID,
			PointIndex:      r.PointIndex,
			Direction:       r.Direction,
			Repetition:      r.Repetition,
			Reference:       r.Reference,
			Indication:      r.Indication,
			Correction:      r.Correction,
			Error:           roundInternal(measured),
			MPE:             mpe,
			AcceptanceLimit: limit,
			Uncertainty:     in.Expanded,
			Verdict:         verdict,
			Straddles:       crossing,
		})
		verdicts = append(verdicts, verdict)
	}

	if len(in.Eccentricity) > 0 {
		ecc, err := evaluateEccentricity(in, e)
		if err != nil {
			return ConformityResult{}, err
		}
		result.Eccentricity = ecc
		for _, er := range ecc {
			verdicts = append(verdicts, er.Verdict)
			straddles = straddles || er.Straddles
		}
	}

	result.Overall = WorstVerdict(verdicts...)
	if result.Overall == VerdictConforms && straddles && in.Rule != RuleSimple {
		result.Overall = VerdictIndeterminate
		result.Downgraded = true
	}
	return result, nil
}

func evaluateEccentricity(in ConformityInput, e decimal.Decimal) ([]EccentricityResult, error) {
	var center *EccentricityReading
	for i := range in.Eccentricity {
		if !validPosition(in.Eccentricity[i].Position) {
			return nil, errors.Wrapf(ErrInvalidReading, "eccentricity position %q", in.Eccentricity[i].Position)
		}
		if in.Eccentricity[i].Position == PositionCenter {
			center = &in.Eccentricity[i]
		}
	}
	if center == nil {
		return nil, errors.Wrap(ErrInvalidReading, "eccentricity test needs a center reading")
	}
	mpe, err := in.Table.Lookup(in.Instrument.AccuracyClass, in.VerificationType, in.EccentricityLoad, e)
	if err != nil {
		return nil, err
	}
	results := make([]EccentricityResult, 0, len(in.Eccentricity)-1)
	for _, reading := range in.Eccentricity {
		if reading.Position == PositionCenter {
			continue
		}
		deviation := reading.Indication.Sub(center.Indication)
		verdict, _, err := Decide(in.Rule, deviation, mpe, in.Expanded)
		if err != nil {
			return nil, err
		}
		results = append(results, EccentricityResult{
			Position:   reading.Position,
			Indication: reading.Indication,
			Deviation:  roundInternal(deviation),
			MPE:        mpe,
			Verdict:    verdict,
			Straddles:  deviation.Abs().Add(in.Expanded).GreaterThan(mpe),
		})
	}
	return results, nil
}
