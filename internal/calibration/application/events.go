package application

import (
	"time"

	calibration "metrology-cloud/internal/calibration/domain"
	"metrology-cloud/internal/eventing"
)

// EventComputed is published when results are computed.
type EventComputed struct {
	EventID    string                  `json:"event_id"`
	TenantID   string                  `json:"tenant_id"`
	BranchID   string                  `json:"branch_id"`
	Overall    calibration.Verdict     `json:"overall"`
	Label      calibration.ResultLabel `json:"label"`
	OccurredAt time.Time               `json:"occurred_at"`
}

// CertificateIssued is published after a certificate is committed.
type CertificateIssued struct {
	CertificateID    string                   `json:"certificate_id"`
	EventID          string                   `json:"event_id"`
	TenantID         string                   `json:"tenant_id"`
	BranchID         string                   `json:"branch_id"`
	Number           string                   `json:"number"`
	VerificationCode string                   `json:"verification_code"`
	Label            calibration.ResultLabel  `json:"label"`
	NextDueAt        time.Time                `json:"next_due_at"`
	Links            []calibration.LinkRecord `json:"links"`
	OccurredAt       time.Time                `json:"occurred_at"`
}

// EventSuperseded is published when an issued event is replaced.
type EventSuperseded struct {
	EventID    string    `json:"event_id"`
	RevisionID string    `json:"revision_id"`
	TenantID   string    `json:"tenant_id"`
	BranchID   string    `json:"branch_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventCancelled is published when an event is abandoned.
type EventCancelled struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	BranchID   string    `json:"branch_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e EventComputed) AggregateID() string     { return e.EventID }
func (e CertificateIssued) AggregateID() string { return e.EventID }
func (e EventSuperseded) AggregateID() string   { return e.EventID }
func (e EventCancelled) AggregateID() string    { return e.EventID }

// RegisterEvents makes the calibration events decodable from the outbox.
func RegisterEvents(registry *eventing.Registry) {
	registry.Register(EventComputed{}, CertificateIssued{}, EventSuperseded{}, EventCancelled{})
}
