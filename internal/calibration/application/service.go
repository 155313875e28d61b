package application

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/audit"
	"metrology-cloud/internal/auth"
	calibration "metrology-cloud/internal/calibration/domain"
	"metrology-cloud/internal/eventing"
	numbering "metrology-cloud/internal/numbering/domain"
	"metrology-cloud/internal/observability/metrics"
)

// ErrTenantRequired is returned when the caller carries no tenant identity.
var ErrTenantRequired = errors.New("calibration: tenant required")

const resourceType = "calibration_event"

// Service orchestrates calibration events from creation to certificate.
type Service struct {
	repo      EventRepository
	numbers   NumberAllocator
	policies  PolicyProvider
	publisher EventPublisher
	eventLog  eventing.AggregateLog
	audit     audit.Logger
	logger    logrus.FieldLogger
	clock     Clock
	newID     func() string
	batch     int
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithPublisher assigns an integration event publisher.
func WithPublisher(publisher EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = publisher
	}
}

// WithEventLog lets History read published events back from the outbox.
func WithEventLog(log eventing.AggregateLog) ServiceOption {
	return func(s *Service) {
		s.eventLog = log
	}
}

// WithAuditLogger assigns an audit logger.
func WithAuditLogger(logger audit.Logger) ServiceOption {
	return func(s *Service) {
		s.audit = logger
	}
}

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithBatchConcurrency bounds batch fan-out.
func WithBatchConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

// NewService constructs a calibration service.
func NewService(repo EventRepository, numbers NumberAllocator, policies PolicyProvider, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("calibration: nil repository")
	}
	if numbers == nil {
		return nil, errors.New("calibration: nil number allocator")
	}
	if policies == nil {
		return nil, errors.New("calibration: nil policy provider")
	}
	service := &Service{
		repo:     repo,
		numbers:  numbers,
		policies: policies,
		logger:   logrus.StandardLogger(),
		clock:    systemClock{},
		newID:    uuid.NewString,
		batch:    4,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service, nil
}

// CreateInput describes a new calibration event.
type CreateInput struct {
	BranchID         string
	Instrument       calibration.Instrument
	MethodCode       string
	VerificationType calibration.VerificationType
	DecisionRule     calibration.DecisionRule
	CoverageFactor   decimal.Decimal
	Links            []calibration.Link
}

// Create opens a draft event for the caller's tenant.
func (s *Service) Create(ctx context.Context, in CreateInput) (e *calibration.CalibrationEvent, err error) {
	start := time.Now()
	defer func() { observe("create", err, start) }()

	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if in.BranchID == "" {
		in.BranchID = auth.BranchIDFromContext(ctx)
	}
	if err := auth.EnsureBranch(ctx, in.BranchID); err != nil {
		return nil, err
	}
	policy, err := s.policies.Policy(tenantID)
	if err != nil {
		return nil, errors.Wrap(err, "calibration: resolve policy")
	}
	now := s.clock.Now()
	actor := auth.SubjectFromContext(ctx)
	e = &calibration.CalibrationEvent{
		ID:               s.newID(),
		TenantID:         tenantID,
		BranchID:         in.BranchID,
		Instrument:       in.Instrument,
		MethodCode:       in.MethodCode,
		VerificationType: in.VerificationType,
		DecisionRule:     in.DecisionRule,
		CoverageFactor:   in.CoverageFactor,
		Status:           calibration.StatusDraft,
		Operator:         actor,
		CreatedBy:        actor,
		Links:            in.Links,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if e.MethodCode == "" {
		e.MethodCode = calibration.DefaultMethodCode
	}
	if e.VerificationType == "" {
		e.VerificationType = calibration.VerificationInitial
	}
	if e.DecisionRule == "" {
		e.DecisionRule = policy.DecisionRule
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.logAudit(ctx, e, "create", "", e.Status, nil)
	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "event_id": e.ID}).Info("calibration event created")
	return e, nil
}

// Get loads an event owned by the caller's tenant.
func (s *Service) Get(ctx context.Context, id string) (*calibration.CalibrationEvent, error) {
	return s.load(ctx, id)
}

// List returns events for the caller's tenant.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*calibration.CalibrationEvent, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	filter.TenantID = tenantID
	if filter.BranchID == "" {
		filter.BranchID = auth.BranchIDFromContext(ctx)
	}
	if err := auth.EnsureBranch(ctx, filter.BranchID); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, filter)
}

// AddReading appends a reading and returns the event.
func (s *Service) AddReading(ctx context.Context, id string, r calibration.Reading) (*calibration.CalibrationEvent, error) {
	if r.ID == "" {
		r.ID = s.newID()
	}
	return s.edit(ctx, id, "add_reading", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.AddReading(r, actor, now)
	})
}

// UpdateReading replaces a reading.
func (s *Service) UpdateReading(ctx context.Context, id string, r calibration.Reading) (*calibration.CalibrationEvent, error) {
	return s.edit(ctx, id, "update_reading", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.UpdateReading(r, actor, now)
	})
}

// RemoveReading deletes a reading.
func (s *Service) RemoveReading(ctx context.Context, id, readingID string) (*calibration.CalibrationEvent, error) {
	return s.edit(ctx, id, "remove_reading", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.RemoveReading(readingID, actor, now)
	})
}

// AddTrial appends a repeatability trial.
func (s *Service) AddTrial(ctx context.Context, id string, t calibration.RepeatabilityTrial) (*calibration.CalibrationEvent, error) {
	if t.ID == "" {
		t.ID = s.newID()
	}
	return s.edit(ctx, id, "add_trial", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.AddTrial(t, actor, now)
	})
}

// SetComponents replaces the entered uncertainty components.
func (s *Service) SetComponents(ctx context.Context, id string, components []calibration.UncertaintyComponent) (*calibration.CalibrationEvent, error) {
	return s.edit(ctx, id, "set_components", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.SetComponents(components, actor, now)
	})
}

// SetEccentricity replaces the eccentricity test.
func (s *Service) SetEccentricity(ctx context.Context, id string, load decimal.Decimal, readings []calibration.EccentricityReading) (*calibration.CalibrationEvent, error) {
	return s.edit(ctx, id, "set_eccentricity", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.SetEccentricity(load, readings, actor, now)
	})
}

// SetEnvironment records laboratory conditions.
func (s *Service) SetEnvironment(ctx context.Context, id string, env calibration.EnvironmentConditions) (*calibration.CalibrationEvent, error) {
	return s.edit(ctx, id, "set_environment", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.SetEnvironment(env, actor, now)
	})
}

// SetStandards replaces the reference standards used.
func (s *Service) SetStandards(ctx context.Context, id string, standards []calibration.ReferenceStandard) (*calibration.CalibrationEvent, error) {
	return s.edit(ctx, id, "set_standards", func(e *calibration.CalibrationEvent, actor string, now time.Time) error {
		return e.SetStandards(standards, actor, now)
	})
}

// Submit moves a draft to readings_entered.
func (s *Service) Submit(ctx context.Context, id string) (*calibration.CalibrationEvent, error) {
	return s.transition(ctx, id, calibration.TransitionSubmit, func(e *calibration.CalibrationEvent, policy calibration.Policy, _ string, now time.Time) error {
		return e.Submit(policy.Method(e.MethodCode), now)
	})
}

// Compute runs the numeric pipeline.
func (s *Service) Compute(ctx context.Context, id string) (*calibration.CalibrationEvent, error) {
	e, err := s.transition(ctx, id, calibration.TransitionCompute, func(e *calibration.CalibrationEvent, policy calibration.Policy, _ string, now time.Time) error {
		return e.ApplyCompute(policy, now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventComputed{
		EventID:    e.ID,
		TenantID:   e.TenantID,
		BranchID:   e.BranchID,
		Overall:    e.Results.Conformity.Overall,
		Label:      e.Results.Label,
		OccurredAt: e.UpdatedAt,
	})
	return e, nil
}

// Review records the caller as reviewer.
func (s *Service) Review(ctx context.Context, id string) (*calibration.CalibrationEvent, error) {
	if !auth.RoleAtLeast(auth.RoleFromContext(ctx), auth.RoleReviewer) {
		return nil, errors.Wrap(auth.ErrForbidden, "reviewer role required")
	}
	return s.transition(ctx, id, calibration.TransitionReview, func(e *calibration.CalibrationEvent, _ calibration.Policy, actor string, now time.Time) error {
		return e.Review(actor, now)
	})
}

// Approve records the caller as approver.
func (s *Service) Approve(ctx context.Context, id string) (*calibration.CalibrationEvent, error) {
	hasRole := auth.RoleAtLeast(auth.RoleFromContext(ctx), auth.RoleApprover)
	return s.transition(ctx, id, calibration.TransitionApprove, func(e *calibration.CalibrationEvent, _ calibration.Policy, actor string, now time.Time) error {
		return e.Approve(actor, hasRole, now)
	})
}

// Cancel abandons an event before issue.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*calibration.CalibrationEvent, error) {
	e, err := s.transition(ctx, id, calibration.TransitionCancel, func(e *calibration.CalibrationEvent, _ calibration.Policy, _ string, now time.Time) error {
		return e.Cancel(reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventCancelled{
		EventID:    e.ID,
		TenantID:   e.TenantID,
		BranchID:   e.BranchID,
		Reason:     reason,
		OccurredAt: e.UpdatedAt,
	})
	return e, nil
}

// Issue allocates a certificate number and freezes the certificate.
// A number allocated for a failed issue is recorded as a gap.
func (s *Service) Issue(ctx context.Context, id string) (cert *calibration.Certificate, err error) {
	start := time.Now()
	transition := calibration.TransitionIssue
	defer func() { observe(string(transition), err, start) }()

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := calibration.Refuse(transition, e.Status, calibration.CanIssue(e)); err != nil {
		s.logBlocked(e, transition, err)
		return nil, err
	}
	policy, err := s.policies.Policy(e.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "calibration: resolve policy")
	}

	key := numbering.Key{TenantID: e.TenantID, BranchID: e.BranchID, Entity: numbering.EntityCertificate}
	alloc, err := s.numbers.Next(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "calibration: allocate certificate number")
	}

	now := s.clock.Now()
	version := e.Version
	from := e.Status
	cert, err = calibration.NewCertificate(e, s.newID(), alloc.Formatted, alloc.Number, auth.SubjectFromContext(ctx), s.newID(), now, policy.RecalibrationMonths)
	if err == nil {
		err = e.MarkIssued(cert, now)
	}
	if err == nil {
		err = s.repo.Issue(ctx, e, version, cert)
	}
	if err != nil {
		s.releaseNumber(ctx, alloc, err)
		return nil, err
	}

	s.logAudit(ctx, e, string(transition), from, e.Status, map[string]any{
		"certificate_id": cert.ID,
		"number":         cert.Number,
		"snapshot_hash":  cert.SnapshotHash,
	})
	s.logger.WithFields(logrus.Fields{
		"tenant_id":  e.TenantID,
		"event_id":   e.ID,
		"number":     cert.Number,
		"transition": transition,
	}).Info("certificate issued")
	s.publish(ctx, CertificateIssued{
		CertificateID:    cert.ID,
		EventID:          e.ID,
		TenantID:         e.TenantID,
		BranchID:         e.BranchID,
		Number:           cert.Number,
		VerificationCode: cert.VerificationCode,
		Label:            cert.Results.Label,
		NextDueAt:        cert.NextDueAt,
		Links:            cert.Links,
		OccurredAt:       now,
	})
	return cert, nil
}

func (s *Service) releaseNumber(ctx context.Context, alloc numbering.Allocation, cause error) {
	reason := fmt.Sprintf("issue failed: %v", cause)
	if err := s.numbers.Release(context.WithoutCancel(ctx), alloc, reason); err != nil {
		s.logger.WithError(err).WithField("number", alloc.Formatted).Error("record numbering gap failed")
	}
}

// Supersede retires an issued event and opens a draft revision.
func (s *Service) Supersede(ctx context.Context, id, reason string) (rev *calibration.CalibrationEvent, err error) {
	start := time.Now()
	transition := calibration.TransitionSupersede
	defer func() { observe(string(transition), err, start) }()

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	version := e.Version
	from := e.Status
	rev, err = e.Supersede(s.newID(), auth.SubjectFromContext(ctx), now)
	if err != nil {
		s.logBlocked(e, transition, err)
		return nil, err
	}
	if err := s.repo.Supersede(ctx, e, version, rev); err != nil {
		return nil, err
	}
	s.logAudit(ctx, e, string(transition), from, e.Status, map[string]any{"revision_id": rev.ID, "reason": reason})
	s.logAudit(ctx, rev, "create", "", rev.Status, map[string]any{"supersedes_id": e.ID})
	s.publish(ctx, EventSuperseded{
		EventID:    e.ID,
		RevisionID: rev.ID,
		TenantID:   e.TenantID,
		BranchID:   e.BranchID,
		Reason:     reason,
		OccurredAt: now,
	})
	return rev, nil
}

// Prefill opens a draft seeded from a prior event of the same tenant.
func (s *Service) Prefill(ctx context.Context, priorID string) (seed *calibration.CalibrationEvent, err error) {
	start := time.Now()
	defer func() { observe("prefill", err, start) }()

	prior, err := s.load(ctx, priorID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	seed = prior.Seed(s.newID(), auth.SubjectFromContext(ctx), now)
	for i := range seed.Readings {
		seed.Readings[i].ID = s.newID()
	}
	for i := range seed.Trials {
		seed.Trials[i].ID = s.newID()
	}
	if err := s.repo.Create(ctx, seed); err != nil {
		return nil, err
	}
	s.logAudit(ctx, seed, "prefill", "", seed.Status, map[string]any{"prefilled_from_id": prior.ID})
	return seed, nil
}

// Certificate returns the certificate of an issued event.
func (s *Service) Certificate(ctx context.Context, eventID string) (*calibration.Certificate, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.GetCertificate(ctx, tenantID, eventID)
}

// VerifiedInstrument identifies the instrument on a verification answer.
type VerifiedInstrument struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	SerialNumber string `json:"serial_number"`
}

// Verification is the public answer to a certificate lookup.
type Verification struct {
	Number       string                  `json:"number"`
	Validity     calibration.Validity    `json:"validity"`
	Label        calibration.ResultLabel `json:"label"`
	Instrument   VerifiedInstrument      `json:"instrument"`
	IssuedAt     time.Time               `json:"issued_at"`
	NextDueAt    time.Time               `json:"next_due_at"`
	SnapshotHash string                  `json:"snapshot_hash"`
}

// Verify resolves a verification code without tenant identity.
func (s *Service) Verify(ctx context.Context, code string) (*Verification, error) {
	cert, err := s.repo.FindCertificateByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	status := calibration.StatusIssued
	if e, err := s.repo.Get(ctx, cert.TenantID, cert.EventID); err == nil {
		status = e.Status
	}
	v := &Verification{
		Number:       cert.Number,
		Validity:     cert.ValidityAt(s.clock.Now(), status),
		Label:        cert.Results.Label,
		IssuedAt:     cert.IssuedAt,
		NextDueAt:    cert.NextDueAt,
		SnapshotHash: cert.SnapshotHash,
	}
	v.Instrument = VerifiedInstrument{
		Manufacturer: cert.Instrument.Manufacturer,
		Model:        cert.Instrument.Model,
		SerialNumber: cert.Instrument.SerialNumber,
	}
	if v.Validity == calibration.ValidityTampered {
		s.logger.WithFields(logrus.Fields{"certificate_id": cert.ID, "number": cert.Number}).Error("certificate snapshot hash mismatch")
	}
	return v, nil
}

// SuggestLoads proposes test loads for an instrument.
func (s *Service) SuggestLoads(instrument calibration.Instrument) (calibration.SuggestedLoads, error) {
	return calibration.SuggestLoads(instrument)
}

type editFunc func(e *calibration.CalibrationEvent, actor string, now time.Time) error

type transitionFunc func(e *calibration.CalibrationEvent, policy calibration.Policy, actor string, now time.Time) error

func (s *Service) edit(ctx context.Context, id, action string, fn editFunc) (e *calibration.CalibrationEvent, err error) {
	start := time.Now()
	defer func() { observe(action, err, start) }()

	e, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	version := e.Version
	from := e.Status
	if err := fn(e, auth.SubjectFromContext(ctx), s.clock.Now()); err != nil {
		s.logBlocked(e, calibration.TransitionEdit, err)
		return nil, err
	}
	if err := s.repo.Update(ctx, e, version); err != nil {
		return nil, err
	}
	s.logAudit(ctx, e, action, from, e.Status, nil)
	return e, nil
}

func (s *Service) transition(ctx context.Context, id string, t calibration.Transition, fn transitionFunc) (e *calibration.CalibrationEvent, err error) {
	start := time.Now()
	defer func() { observe(string(t), err, start) }()

	e, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := s.policies.Policy(e.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "calibration: resolve policy")
	}
	version := e.Version
	from := e.Status
	if err := fn(e, policy, auth.SubjectFromContext(ctx), s.clock.Now()); err != nil {
		s.logBlocked(e, t, err)
		return nil, err
	}
	if err := s.repo.Update(ctx, e, version); err != nil {
		return nil, err
	}
	s.logAudit(ctx, e, string(t), from, e.Status, nil)
	s.logger.WithFields(logrus.Fields{
		"tenant_id":  e.TenantID,
		"event_id":   e.ID,
		"transition": t,
		"status":     e.Status,
	}).Info("calibration transition")
	return e, nil
}

func (s *Service) load(ctx context.Context, id string) (*calibration.CalibrationEvent, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.repo.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := auth.EnsureTenant(ctx, e.TenantID); err != nil {
		return nil, err
	}
	if err := auth.EnsureBranch(ctx, e.BranchID); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) logBlocked(e *calibration.CalibrationEvent, t calibration.Transition, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"tenant_id":  e.TenantID,
		"event_id":   e.ID,
		"transition": t,
		"status":     e.Status,
	})
	var te *calibration.TransitionError
	if errors.As(err, &te) {
		entry.WithField("reason", te.Reason).Info("calibration transition blocked")
		return
	}
	entry.WithError(err).Warn("calibration operation rejected")
}

func (s *Service) logAudit(ctx context.Context, e *calibration.CalibrationEvent, action string, from, to calibration.Status, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	var payload []byte
	if metadata != nil {
		payload, _ = json.Marshal(metadata)
	}
	req := audit.RequestFromContext(ctx)
	entry := audit.Entry{
		TenantID:     e.TenantID,
		Actor:        auth.SubjectFromContext(ctx),
		Role:         string(auth.RoleFromContext(ctx)),
		Action:       "calibration." + action,
		ResourceType: resourceType,
		ResourceID:   e.ID,
		BranchID:     e.BranchID,
		FromStatus:   string(from),
		ToStatus:     string(to),
		Metadata:     payload,
		IP:           req.IP,
		UserAgent:    req.UserAgent,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.logger.WithError(err).WithField("event_id", e.ID).Warn("audit log failed")
	}
}

func (s *Service) publish(ctx context.Context, event any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.WithError(err).Warn("publish calibration event failed")
	}
}

func tenantFrom(ctx context.Context) (string, error) {
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	return tenantID, nil
}

func observe(action string, err error, start time.Time) {
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		var te *calibration.TransitionError
		if errors.As(err, &te) {
			result = metrics.ResultBlocked
		}
	}
	metrics.ObserveTransition(action, result, time.Since(start))
}
