package calibration

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a calibration event.
type Status string

const (
	StatusDraft           Status = "draft"
	StatusReadingsEntered Status = "readings_entered"
	StatusComputed        Status = "computed"
	StatusReviewed        Status = "reviewed"
	StatusApproved        Status = "approved"
	StatusIssued          Status = "issued"
	StatusSuperseded      Status = "superseded"
	StatusCancelled       Status = "cancelled"
)

// Transition names a lifecycle operation.
type Transition string

const (
	TransitionSubmit    Transition = "submit"
	TransitionCompute   Transition = "compute"
	TransitionReview    Transition = "review"
	TransitionApprove   Transition = "approve"
	TransitionIssue     Transition = "issue"
	TransitionCancel    Transition = "cancel"
	TransitionSupersede Transition = "supersede"
	TransitionEdit      Transition = "edit"
)

// IsTerminal reports whether no further transition is possible except supersede.
func (s Status) IsTerminal() bool {
	return s == StatusIssued || s == StatusSuperseded || s == StatusCancelled
}

// BlockReason is a typed cause for a refused transition.
type BlockReason string

const (
	ReasonNone                 BlockReason = ""
	ReasonInvalidState         BlockReason = "invalid_state"
	ReasonNoReadings           BlockReason = "no_readings"
	ReasonMissingRepeatability BlockReason = "missing_repeatability"
	ReasonUnitMismatch         BlockReason = "unit_mismatch"
	ReasonInsufficientData     BlockReason = "insufficient_data"
	ReasonIncompleteBudget     BlockReason = "incomplete_budget"
	ReasonMissingMPETable      BlockReason = "missing_mpe_table"
	ReasonInvalidInput         BlockReason = "invalid_input"
	ReasonMakerChecker         BlockReason = "maker_checker"
	ReasonApproverRequired     BlockReason = "approver_required"
	ReasonImmutable            BlockReason = "immutable"
	ReasonInadequateStandard   BlockReason = "inadequate_standard"
	ReasonExpiredStandard      BlockReason = "expired_standard"
)

type reasonError struct {
	reason BlockReason
	err    error
}

var reasonErrors = []reasonError{
	{ReasonInvalidState, ErrInvalidTransition},
	{ReasonNoReadings, ErrNoReadings},
	{ReasonMissingRepeatability, ErrMissingRepeatability},
	{ReasonUnitMismatch, ErrUnitMismatch},
	{ReasonInsufficientData, ErrInsufficientData},
	{ReasonIncompleteBudget, ErrIncompleteBudget},
	{ReasonMissingMPETable, ErrMissingMPETable},
	{ReasonMakerChecker, ErrMakerChecker},
	{ReasonApproverRequired, ErrApproverRequired},
	{ReasonImmutable, ErrImmutable},
	{ReasonInadequateStandard, ErrInadequateStandard},
	{ReasonExpiredStandard, ErrExpiredStandard},
}

func sentinelFor(reason BlockReason) error {
	for _, re := range reasonErrors {
		if re.reason == reason {
			return re.err
		}
	}
	return ErrInvalidComponent
}

// Decision is the outcome of a guard.
type Decision struct {
	Allowed bool
	Reason  BlockReason
	Detail  string
}

// Allow is a passing decision.
func Allow() Decision { return Decision{Allowed: true} }

// Block is a refusing decision.
func Block(reason BlockReason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// TransitionError reports a refused transition. The event keeps its status.
type TransitionError struct {
	Transition Transition
	From       Status
	Reason     BlockReason
	Detail     string
	Err        error
}

func (e *TransitionError) Error() string {
	msg := "cannot advance: " + string(e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Refuse converts a blocked decision into a *TransitionError.
func Refuse(t Transition, from Status, d Decision) error {
	if d.Allowed {
		return nil
	}
	return &TransitionError{
		Transition: t,
		From:       from,
		Reason:     d.Reason,
		Detail:     d.Detail,
		Err:        sentinelFor(d.Reason),
	}
}

// ReasonFor classifies a pipeline error as a block reason.
func ReasonFor(err error) BlockReason {
	for _, re := range reasonErrors {
		if errors.Is(err, re.err) {
			return re.reason
		}
	}
	return ReasonInvalidInput
}

// Blocked wraps a pipeline error as a *TransitionError.
func Blocked(t Transition, from Status, err error) error {
	if err == nil {
		return nil
	}
	return &TransitionError{
		Transition: t,
		From:       from,
		Reason:     ReasonFor(err),
		Detail:     err.Error(),
		Err:        err,
	}
}

func wrongState(t Transition, s Status) Decision {
	return Block(ReasonInvalidState, fmt.Sprintf("%s not allowed from %s", t, s))
}

// CanEdit checks whether readings, trials, components or conditions may change.
func CanEdit(e *CalibrationEvent) Decision {
	if e.Status.IsTerminal() {
		return Block(ReasonImmutable, string(e.Status))
	}
	return Allow()
}

// CanSubmit checks draft -> readings_entered.
func CanSubmit(e *CalibrationEvent, method Method) Decision {
	if e.Status != StatusDraft {
		return wrongState(TransitionSubmit, e.Status)
	}
	if len(e.Readings) == 0 {
		return Block(ReasonNoReadings, "at least one reading required")
	}
	for _, r := range e.Readings {
		if r.Unit != e.Instrument.Unit {
			return Block(ReasonUnitMismatch, fmt.Sprintf("reading %s unit %q, event unit %q", r.ID, r.Unit, e.Instrument.Unit))
		}
	}
	if method.RequiresRepeatability {
		ok := false
		for _, t := range e.Trials {
			if t.Count() >= 2 {
				ok = true
				break
			}
		}
		if !ok {
			return Block(ReasonMissingRepeatability, "a trial with at least two measurements is required")
		}
	}
	return Allow()
}

// CanCompute checks the precondition of readings_entered -> computed.
func CanCompute(e *CalibrationEvent) Decision {
	if e.Status != StatusReadingsEntered {
		return wrongState(TransitionCompute, e.Status)
	}
	for _, t := range e.Trials {
		if t.Count() > 0 {
			return Allow()
		}
	}
	return Block(ReasonInsufficientData, "no repeatability measurement")
}

// CanReview checks computed -> reviewed.
func CanReview(e *CalibrationEvent, reviewer string) Decision {
	if e.Status != StatusComputed {
		return wrongState(TransitionReview, e.Status)
	}
	if reviewer == "" || reviewer == e.Operator {
		return Block(ReasonMakerChecker, "reviewer must differ from operator")
	}
	return Allow()
}

// CanApprove checks reviewed -> approved.
func CanApprove(e *CalibrationEvent, hasApproverRole bool) Decision {
	if e.Status != StatusReviewed {
		return wrongState(TransitionApprove, e.Status)
	}
	if !hasApproverRole {
		return Block(ReasonApproverRequired, "approver role required")
	}
	return Allow()
}

// CanIssue checks approved -> issued.
func CanIssue(e *CalibrationEvent) Decision {
	if e.Status != StatusApproved {
		return wrongState(TransitionIssue, e.Status)
	}
	if e.Results == nil {
		return Block(ReasonInsufficientData, "no computed results")
	}
	return Allow()
}

// CanCancel checks any pre-issued status -> cancelled.
func CanCancel(e *CalibrationEvent) Decision {
	if e.Status.IsTerminal() {
		return wrongState(TransitionCancel, e.Status)
	}
	return Allow()
}

// CanSupersede checks issued -> superseded.
func CanSupersede(e *CalibrationEvent) Decision {
	if e.Status != StatusIssued {
		return wrongState(TransitionSupersede, e.Status)
	}
	return Allow()
}
