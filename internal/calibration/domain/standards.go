package calibration

import (
	"fmt"
	"time"
)

// WeightClass is the OIML R111 class of a reference weight.
type WeightClass string

const (
	WeightE1   WeightClass = "E1"
	WeightE2   WeightClass = "E2"
	WeightF1   WeightClass = "F1"
	WeightF2   WeightClass = "F2"
	WeightM1   WeightClass = "M1"
	WeightM1_2 WeightClass = "M1-2"
	WeightM2   WeightClass = "M2"
	WeightM2_3 WeightClass = "M2-3"
	WeightM3   WeightClass = "M3"
)

// weightRank orders classes from finest (1) to coarsest.
func weightRank(c WeightClass) int {
	switch c {
	case WeightE1:
		return 1
	case WeightE2:
		return 2
	case WeightF1:
		return 3
	case WeightF2:
		return 4
	case WeightM1:
		return 5
	case WeightM1_2:
		return 6
	case WeightM2:
		return 7
	case WeightM2_3:
		return 8
	case WeightM3:
		return 9
	default:
		return 0
	}
}

// MinimumWeightClass is the coarsest weight class acceptable for an instrument class.
func MinimumWeightClass(class AccuracyClass) WeightClass {
	switch class {
	case ClassI:
		return WeightE2
	case ClassII:
		return WeightF1
	case ClassIII:
		return WeightM1
	case ClassIIII:
		return WeightM2
	default:
		return WeightE1
	}
}

// ReferenceStandard is a traceable standard used during calibration.
type ReferenceStandard struct {
	ID                string      `json:"id"`
	Code              string      `json:"code"`
	Description       string      `json:"description"`
	WeightClass       WeightClass `json:"weight_class"`
	CertificateNumber string      `json:"certificate_number"`
	CertificateExpiry time.Time   `json:"certificate_expiry"`
}

// CheckStandards verifies every standard is fine enough and in date at t.
func CheckStandards(standards []ReferenceStandard, class AccuracyClass, at time.Time) Decision {
	required := MinimumWeightClass(class)
	for _, s := range standards {
		if !s.CertificateExpiry.IsZero() && s.CertificateExpiry.Before(at) {
			return Block(ReasonExpiredStandard, fmt.Sprintf("standard %s certificate expired %s", s.Code, s.CertificateExpiry.Format("2006-01-02")))
		}
		rank := weightRank(s.WeightClass)
		if rank == 0 || rank > weightRank(required) {
			return Block(ReasonInadequateStandard, fmt.Sprintf("standard %s class %s, class %s instrument needs %s or better", s.Code, s.WeightClass, class, required))
		}
	}
	return Allow()
}
