package calibration

import (
	"errors"
	"testing"
)

func TestTransitions_HappyPath(t *testing.T) {
	e := newTestEvent(t)
	fillEvent(t, e)
	if err := e.Submit(DefaultMethod(), testNow); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.ApplyCompute(testPolicy(), testNow); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if e.Status != StatusComputed || e.Results == nil {
		t.Fatalf("expected computed with results, got %s", e.Status)
	}
	if err := e.Review("reviewer-1", testNow); err != nil {
		t.Fatalf("review: %v", err)
	}
	if err := e.Approve("approver-1", true, testNow); err != nil {
		t.Fatalf("approve: %v", err)
	}
	cert, err := NewCertificate(e, "cert-1", "CERT-000001", 1, "approver-1", "code-1", testNow, 0)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if err := e.MarkIssued(cert, testNow); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if e.Status != StatusIssued || e.CertificateID != "cert-1" {
		t.Fatalf("expected issued with certificate, got %s %s", e.Status, e.CertificateID)
	}
}

func TestApplyCompute_FailureLeavesEventUntouched(t *testing.T) {
	e := newTestEvent(t)
	fillEvent(t, e)
	if err := e.Submit(DefaultMethod(), testNow); err != nil {
		t.Fatalf("submit: %v", err)
	}
	policy := testPolicy()
	policy.MPETable = nil
	before := e.Clone()
	err := e.ApplyCompute(policy, testNow)
	if !errors.Is(err, ErrMissingMPETable) {
		t.Fatalf("expected ErrMissingMPETable, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.Reason != ReasonMissingMPETable {
		t.Fatalf("expected typed block reason, got %v", err)
	}
	if e.Status != before.Status || e.Results != nil {
		t.Fatalf("event must keep its state on failure")
	}
}

func TestMarkIssued_RejectsForeignCertificate(t *testing.T) {
	e := approvedEvent(t)
	if err := e.MarkIssued(&Certificate{ID: "cert-x", EventID: "other"}, testNow); !errors.Is(err, ErrCertificateNotFound) {
		t.Fatalf("expected ErrCertificateNotFound, got %v", err)
	}
	if e.Status != StatusApproved {
		t.Fatalf("status must not change")
	}
}

func TestCancel(t *testing.T) {
	e := newTestEvent(t)
	if err := e.Cancel("duplicate", testNow); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e.Status != StatusCancelled || e.CancelReason != "duplicate" {
		t.Fatalf("unexpected cancel state")
	}
	if err := e.Cancel("again", testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSupersede_ProducesDraftRevision(t *testing.T) {
	e := approvedEvent(t)
	cert, err := NewCertificate(e, "cert-1", "CERT-000001", 1, "approver-1", "code-1", testNow, 0)
	if err != nil {
		t.Fatalf("certificate: %v", err)
	}
	if err := e.MarkIssued(cert, testNow); err != nil {
		t.Fatalf("issue: %v", err)
	}

	rev, err := e.Supersede("evt-2", "tech-2", testNow)
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if e.Status != StatusSuperseded || e.SupersededByID != "evt-2" {
		t.Fatalf("old event must be superseded, got %s", e.Status)
	}
	if rev.Status != StatusDraft || rev.SupersedesID != e.ID || rev.CertificateID != "" || rev.Results != nil {
		t.Fatalf("unexpected revision: %+v", rev)
	}
	if len(rev.Readings) != len(e.Readings) || !rev.Readings[0].Indication.Equal(e.Readings[0].Indication) {
		t.Fatalf("revision must carry the readings")
	}
	last := rev.Links[len(rev.Links)-1]
	if last != (CalibrationLink{EventID: e.ID}) {
		t.Fatalf("revision must link to superseded event, got %+v", last)
	}
	if _, err := e.Supersede("evt-3", "tech-2", testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second supersede must fail, got %v", err)
	}
}
