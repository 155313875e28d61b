package calibration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ResultLabel is the outcome wording printed on a certificate.
type ResultLabel string

const (
	LabelApproved           ResultLabel = "approved"
	LabelApprovedWithCaveat ResultLabel = "approved_with_caveat"
	LabelIndeterminate      ResultLabel = "indeterminate"
	LabelRejected           ResultLabel = "rejected"
)

// LabelFor maps the overall verdict to a certificate label.
func LabelFor(overall Verdict, caveats bool) ResultLabel {
	switch overall {
	case VerdictConforms:
		if caveats {
			return LabelApprovedWithCaveat
		}
		return LabelApproved
	case VerdictIndeterminate:
		return LabelIndeterminate
	default:
		return LabelRejected
	}
}

// Certificate is the frozen record of an issued calibration.
type Certificate struct {
	ID               string                `json:"id"`
	TenantID         string                `json:"tenant_id"`
	BranchID         string                `json:"branch_id"`
	EventID          string                `json:"event_id"`
	Number           string                `json:"number"`
	SequenceNumber   int64                 `json:"sequence_number"`
	Instrument       Instrument            `json:"instrument"`
	MethodCode       string                `json:"method_code"`
	VerificationType VerificationType      `json:"verification_type"`
	DecisionRule     DecisionRule          `json:"decision_rule"`
	Readings         []Reading             `json:"readings"`
	Trials           []RepeatabilityTrial  `json:"trials"`
	Eccentricity     []EccentricityReading `json:"eccentricity,omitempty"`
	Environment      EnvironmentConditions `json:"environment"`
	Standards        []ReferenceStandard   `json:"standards"`
	Links            []LinkRecord          `json:"links"`
	Results          ComputedResults       `json:"results"`
	Operator         string                `json:"operator"`
	ReviewedBy       string                `json:"reviewed_by"`
	Signatory        string                `json:"signatory"`
	SupersedesID     string                `json:"supersedes_id,omitempty"`
	IssuedAt         time.Time             `json:"issued_at"`
	NextDueAt        time.Time             `json:"next_due_at"`
	VerificationCode string                `json:"verification_code"`
	SnapshotHash     string                `json:"snapshot_hash"`
}

// DefaultRecalibrationMonths is used when no interval is configured.
const DefaultRecalibrationMonths = 12

// NewCertificate freezes an approved event. The caller supplies the number,
// ids and verification code.
func NewCertificate(e *CalibrationEvent, id, number string, sequence int64, signatory, verificationCode string, issuedAt time.Time, intervalMonths int) (*Certificate, error) {
	if err := Refuse(TransitionIssue, e.Status, CanIssue(e)); err != nil {
		return nil, err
	}
	if intervalMonths <= 0 {
		intervalMonths = DefaultRecalibrationMonths
	}
	frozen := e.Clone()
	cert := &Certificate{
		ID:               id,
		TenantID:         e.TenantID,
		BranchID:         e.BranchID,
		EventID:          e.ID,
		Number:           number,
		SequenceNumber:   sequence,
		Instrument:       frozen.Instrument,
		MethodCode:       frozen.MethodCode,
		VerificationType: frozen.VerificationType,
		DecisionRule:     frozen.DecisionRule,
		Readings:         frozen.Readings,
		Trials:           frozen.Trials,
		Eccentricity:     frozen.Eccentricity,
		Environment:      frozen.Environment,
		Standards:        frozen.Standards,
		Links:            LinkRecords(frozen.Links),
		Results:          *frozen.Results,
		Operator:         e.Operator,
		ReviewedBy:       e.ReviewedBy,
		Signatory:        signatory,
		SupersedesID:     e.SupersedesID,
		IssuedAt:         issuedAt.UTC(),
		NextDueAt:        issuedAt.UTC().AddDate(0, intervalMonths, 0),
		VerificationCode: verificationCode,
	}
	hash, err := ComputeSnapshotHash(cert)
	if err != nil {
		return nil, err
	}
	cert.SnapshotHash = hash
	return cert, nil
}

// ComputeSnapshotHash hashes the certificate content, excluding the hash itself.
func ComputeSnapshotHash(cert *Certificate) (string, error) {
	payload := *cert
	payload.SnapshotHash = ""
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifySnapshot reports whether the stored hash still matches the content.
func (c *Certificate) VerifySnapshot() bool {
	hash, err := ComputeSnapshotHash(c)
	return err == nil && hash == c.SnapshotHash
}

// Validity is the public state of a certificate.
type Validity string

const (
	ValidityValid      Validity = "valid"
	ValidityExpired    Validity = "expired"
	ValiditySuperseded Validity = "superseded"
	ValidityTampered   Validity = "tampered"
)

// ValidityAt evaluates the certificate at t given the current event status.
func (c *Certificate) ValidityAt(t time.Time, eventStatus Status) Validity {
	if !c.VerifySnapshot() {
		return ValidityTampered
	}
	if eventStatus == StatusSuperseded {
		return ValiditySuperseded
	}
	if !c.NextDueAt.IsZero() && t.After(c.NextDueAt) {
		return ValidityExpired
	}
	return ValidityValid
}
