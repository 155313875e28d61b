package http

import (
	"time"

	"github.com/shopspring/decimal"

	calibration "metrology-cloud/internal/calibration/domain"
)

type createRequest struct {
	BranchID         string                       `json:"branch_id"`
	Instrument       calibration.Instrument       `json:"instrument"`
	MethodCode       string                       `json:"method_code"`
	VerificationType calibration.VerificationType `json:"verification_type"`
	DecisionRule     calibration.DecisionRule     `json:"decision_rule"`
	CoverageFactor   decimal.Decimal              `json:"coverage_factor"`
	Links            []calibration.LinkRecord     `json:"links"`
}

type componentsRequest struct {
	Components []calibration.UncertaintyComponent `json:"components"`
}

type standardsRequest struct {
	Standards []calibration.ReferenceStandard `json:"standards"`
}

type eccentricityRequest struct {
	Load     decimal.Decimal                   `json:"load"`
	Readings []calibration.EccentricityReading `json:"readings"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type eventResponse struct {
	ID               string                             `json:"id"`
	TenantID         string                             `json:"tenant_id"`
	BranchID         string                             `json:"branch_id"`
	Status           calibration.Status                 `json:"status"`
	Version          int64                              `json:"version"`
	Instrument       calibration.Instrument             `json:"instrument"`
	MethodCode       string                             `json:"method_code"`
	VerificationType calibration.VerificationType       `json:"verification_type"`
	DecisionRule     calibration.DecisionRule           `json:"decision_rule"`
	CoverageFactor   decimal.Decimal                    `json:"coverage_factor"`
	Operator         string                             `json:"operator"`
	ReviewedBy       string                             `json:"reviewed_by,omitempty"`
	ApprovedBy       string                             `json:"approved_by,omitempty"`
	Readings         []calibration.Reading              `json:"readings"`
	Trials           []calibration.RepeatabilityTrial   `json:"repeatability"`
	Components       []calibration.UncertaintyComponent `json:"components"`
	Eccentricity     []calibration.EccentricityReading  `json:"eccentricity,omitempty"`
	EccentricityLoad decimal.Decimal                    `json:"eccentricity_load"`
	Environment      calibration.EnvironmentConditions  `json:"environment"`
	Standards        []calibration.ReferenceStandard    `json:"standards"`
	Links            []calibration.LinkRecord           `json:"links"`
	Results          *calibration.ComputedResults       `json:"results,omitempty"`
	PrefilledFromID  string                             `json:"prefilled_from_id,omitempty"`
	SupersedesID     string                             `json:"supersedes_id,omitempty"`
	SupersededByID   string                             `json:"superseded_by_id,omitempty"`
	CertificateID    string                             `json:"certificate_id,omitempty"`
	CancelReason     string                             `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time                          `json:"created_at"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

func toEventResponse(e *calibration.CalibrationEvent) eventResponse {
	return eventResponse{
		ID:               e.ID,
		TenantID:         e.TenantID,
		BranchID:         e.BranchID,
		Status:           e.Status,
		Version:          e.Version,
		Instrument:       e.Instrument,
		MethodCode:       e.MethodCode,
		VerificationType: e.VerificationType,
		DecisionRule:     e.DecisionRule,
		CoverageFactor:   e.CoverageFactor,
		Operator:         e.Operator,
		ReviewedBy:       e.ReviewedBy,
		ApprovedBy:       e.ApprovedBy,
		Readings:         e.Readings,
		Trials:           e.Trials,
		Components:       e.Components,
		Eccentricity:     e.Eccentricity,
		EccentricityLoad: e.EccentricityLoad,
		Environment:      e.Environment,
		Standards:        e.Standards,
		Links:            calibration.LinkRecords(e.Links),
		Results:          e.Results,
		PrefilledFromID:  e.PrefilledFromID,
		SupersedesID:     e.SupersedesID,
		SupersededByID:   e.SupersededByID,
		CertificateID:    e.CertificateID,
		CancelReason:     e.CancelReason,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func toEventResponses(events []*calibration.CalibrationEvent) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	return out
}

type transitionErrorResponse struct {
	Error      string                  `json:"error"`
	Reason     calibration.BlockReason `json:"reason"`
	Transition calibration.Transition  `json:"transition"`
	From       calibration.Status      `json:"from"`
	Detail     string                  `json:"detail,omitempty"`
}
