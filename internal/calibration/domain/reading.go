package calibration

import (
	"github.com/shopspring/decimal"
)

// Direction is the loading direction of a reading.
type Direction string

const (
	DirectionIncreasing Direction = "increasing"
	DirectionDecreasing Direction = "decreasing"
)

// MaxMeasurements bounds the slots of one repeatability trial.
const MaxMeasurements = 10

// Reading is one reference/indication pair at a test point.
type Reading struct {
	ID         string          `json:"id"`
	PointIndex int             `json:"point_index"`
	Direction  Direction       `json:"direction"`
	Repetition int             `json:"repetition"`
	Reference  decimal.Decimal `json:"reference"`
	Indication decimal.Decimal `json:"indication"`
	Correction decimal.Decimal `json:"correction"`
	Unit       string          `json:"unit"`
}

// MeasurementError returns indication - reference - correction.
func (r Reading) MeasurementError() decimal.Decimal {
	return r.Indication.Sub(r.Reference).Sub(r.Correction)
}

// Validate checks reading shape against the event unit.
func (r Reading) Validate(eventUnit string) error {
	if r.PointIndex < 0 || r.Repetition < 0 {
		return ErrInvalidReading
	}
	switch r.Direction {
	case "", DirectionIncreasing, DirectionDecreasing:
	default:
		return ErrInvalidReading
	}
	if r.Unit != eventUnit {
		return ErrUnitMismatch
	}
	return nil
}

// RepeatabilityTrial is a series of repeated measurements at one load.
// Empty slots are allowed only at the end of the series.
type RepeatabilityTrial struct {
	ID           string                `json:"id"`
	Load         decimal.Decimal       `json:"load"`
	Measurements []decimal.NullDecimal `json:"measurements"`
}

// Count returns the number of non-empty slots.
func (t RepeatabilityTrial) Count() int {
	n := 0
	for _, m := range t.Measurements {
		if m.Valid {
			n++
		}
	}
	return n
}

// Validate checks slot bounds and trailing gaps.
func (t RepeatabilityTrial) Validate() error {
	if len(t.Measurements) > MaxMeasurements {
		return ErrTooManyMeasurements
	}
	seenGap := false
	for _, m := range t.Measurements {
		if !m.Valid {
			seenGap = true
			continue
		}
		if seenGap {
			return ErrNonTrailingGap
		}
	}
	return nil
}

// EccentricityPosition names a load position on the receptor.
type EccentricityPosition string

const (
	PositionCenter     EccentricityPosition = "center"
	PositionFrontLeft  EccentricityPosition = "front_left"
	PositionFrontRight EccentricityPosition = "front_right"
	PositionRearLeft   EccentricityPosition = "rear_left"
	PositionRearRight  EccentricityPosition = "rear_right"
)

// EccentricityReading is the indication with the test load at one position.
type EccentricityReading struct {
	Position   EccentricityPosition `json:"position"`
	Indication decimal.Decimal      `json:"indication"`
}

func validPosition(p EccentricityPosition) bool {
	switch p {
	case PositionCenter, PositionFrontLeft, PositionFrontRight, PositionRearLeft, PositionRearRight:
		return true
	default:
		return false
	}
}
