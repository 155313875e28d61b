package calibration

import (
	"time"

	"github.com/pkg/errors"
)

// Submit moves a draft to readings_entered.
func (e *CalibrationEvent) Submit(method Method, now time.Time) error {
	if err := Refuse(TransitionSubmit, e.Status, CanSubmit(e, method)); err != nil {
		return err
	}
	e.Status = StatusReadingsEntered
	e.UpdatedAt = now
	return nil
}

// ApplyCompute runs the numeric pipeline and stores the results. On any
// failure the event is left untouched.
func (e *CalibrationEvent) ApplyCompute(policy Policy, now time.Time) error {
	results, err := Compute(e, policy, now)
	if err != nil {
		var te *TransitionError
		if errors.As(err, &te) {
			return err
		}
		return Blocked(TransitionCompute, e.Status, err)
	}
	e.Results = &results
	e.Status = StatusComputed
	e.UpdatedAt = now
	return nil
}

// Review records the reviewer. The reviewer must not be the operator.
func (e *CalibrationEvent) Review(reviewer string, now time.Time) error {
	if err := Refuse(TransitionReview, e.Status, CanReview(e, reviewer)); err != nil {
		return err
	}
	e.Status = StatusReviewed
	e.ReviewedBy = reviewer
	e.ReviewedAt = now
	e.UpdatedAt = now
	return nil
}

// Approve records the approver.
func (e *CalibrationEvent) Approve(approver string, hasApproverRole bool, now time.Time) error {
	if err := Refuse(TransitionApprove, e.Status, CanApprove(e, hasApproverRole)); err != nil {
		return err
	}
	e.Status = StatusApproved
	e.ApprovedBy = approver
	e.ApprovedAt = now
	e.UpdatedAt = now
	return nil
}

// MarkIssued binds the issued certificate to the event.
func (e *CalibrationEvent) MarkIssued(cert *Certificate, now time.Time) error {
	if err := Refuse(TransitionIssue, e.Status, CanIssue(e)); err != nil {
		return err
	}
	if cert == nil || cert.EventID != e.ID {
		return errors.Wrap(ErrCertificateNotFound, "certificate does not belong to event")
	}
	e.Status = StatusIssued
	e.CertificateID = cert.ID
	e.UpdatedAt = now
	return nil
}

// Cancel abandons an event that has not been issued.
func (e *CalibrationEvent) Cancel(reason string, now time.Time) error {
	if err := Refuse(TransitionCancel, e.Status, CanCancel(e)); err != nil {
		return err
	}
	e.Status = StatusCancelled
	e.CancelReason = reason
	e.CancelledAt = now
	e.UpdatedAt = now
	return nil
}

// Supersede retires an issued event and returns a draft revision carrying
// all of its data. The revision must be completed and issued on its own.
func (e *CalibrationEvent) Supersede(revisionID, actor string, now time.Time) (*CalibrationEvent, error) {
	if err := Refuse(TransitionSupersede, e.Status, CanSupersede(e)); err != nil {
		return nil, err
	}
	rev := e.Clone()
	rev.ID = revisionID
	rev.Status = StatusDraft
	rev.Version = 0
	rev.Operator = actor
	rev.CreatedBy = actor
	rev.ReviewedBy, rev.ReviewedAt = "", time.Time{}
	rev.ApprovedBy, rev.ApprovedAt = "", time.Time{}
	rev.Results = nil
	rev.PrefilledFromID = ""
	rev.SupersedesID = e.ID
	rev.SupersededByID = ""
	rev.CertificateID = ""
	rev.CancelReason = ""
	rev.CancelledAt = time.Time{}
	rev.CreatedAt = now
	rev.UpdatedAt = now
	rev.Links = append(rev.Links, CalibrationLink{EventID: e.ID})

	e.Status = StatusSuperseded
	e.SupersededByID = revisionID
	e.UpdatedAt = now
	return rev, nil
}
