package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"metrology-cloud/internal/audit"
	"metrology-cloud/internal/auth"
	"metrology-cloud/internal/calibration/application"
	calibration "metrology-cloud/internal/calibration/domain"
	"metrology-cloud/internal/calibration/infrastructure/memory"
	numberingapp "metrology-cloud/internal/numbering/application"
	numbering "metrology-cloud/internal/numbering/domain"
	numberingmemory "metrology-cloud/internal/numbering/infrastructure/memory"
)

var testNow = time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticPolicies struct{ policy calibration.Policy }

func (p staticPolicies) Policy(string) (calibration.Policy, error) { return p.policy, nil }

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type failingIssueRepo struct {
	*memory.EventRepository
}

func (failingIssueRepo) Issue(context.Context, *calibration.CalibrationEvent, int64, *calibration.Certificate) error {
	return errors.New("disk full")
}

type fixture struct {
	service   *application.Service
	repo      *memory.EventRepository
	sequences *numberingmemory.SequenceStore
	audit     *audit.MemoryLogger
	publisher *recordingPublisher
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testPolicy() calibration.Policy {
	return calibration.Policy{
		DecisionRule:        calibration.RuleGuardBand,
		MPETable:            calibration.OIMLR76Table(),
		Methods:             map[string]calibration.Method{calibration.DefaultMethodCode: calibration.DefaultMethod()},
		RecalibrationMonths: 12,
	}
}

func newFixture(t *testing.T, wrap func(*memory.EventRepository) application.EventRepository) *fixture {
	t.Helper()
	repo := memory.NewEventRepository()
	var events application.EventRepository = repo
	if wrap != nil {
		events = wrap(repo)
	}
	sequences := numberingmemory.NewSequenceStore()
	allocator, err := numberingapp.NewAllocator(sequences, numberingapp.StaticFormats{Prefix: "CERT-", Padding: 6})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	logger := audit.NewMemoryLogger()
	publisher := &recordingPublisher{}
	service, err := application.NewService(events, allocator, staticPolicies{policy: testPolicy()},
		application.WithClock(fixedClock{now: testNow}),
		application.WithAuditLogger(logger),
		application.WithPublisher(publisher),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &fixture{service: service, repo: repo, sequences: sequences, audit: logger, publisher: publisher}
}

func as(role auth.Role, subject string) context.Context {
	return auth.WithIdentity(context.Background(), "tenant-a", role, subject)
}

func classIIIInstrument() calibration.Instrument {
	return calibration.Instrument{
		ID:                   "inst-1",
		Manufacturer:         "Acme",
		Model:                "B-6000",
		SerialNumber:         "SN-42",
		AccuracyClass:        calibration.ClassIII,
		MaxCapacity:          d("6000"),
		VerificationDivision: d("1"),
		Resolution:           d("1"),
		Unit:                 "g",
	}
}

func (f *fixture) createFilled(t *testing.T) *calibration.CalibrationEvent {
	t.Helper()
	ctx := as(auth.RoleTechnician, "tech-1")
	e, err := f.service.Create(ctx, application.CreateInput{BranchID: "branch-1", Instrument: classIIIInstrument()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i, ref := range []string{"1000", "3000"} {
		_, err := f.service.AddReading(ctx, e.ID, calibration.Reading{PointIndex: i, Reference: d(ref), Indication: d(ref).Add(d("0.1"))})
		if err != nil {
			t.Fatalf("add reading: %v", err)
		}
	}
	trial := calibration.RepeatabilityTrial{
		Load: d("3000"),
		Measurements: []decimal.NullDecimal{
			decimal.NewNullDecimal(d("3000")),
			decimal.NewNullDecimal(d("3000.1")),
			decimal.NewNullDecimal(d("2999.9")),
		},
	}
	if _, err := f.service.AddTrial(ctx, e.ID, trial); err != nil {
		t.Fatalf("add trial: %v", err)
	}
	components := []calibration.UncertaintyComponent{
		{Name: "weights", Kind: calibration.KindReferenceStandard, Value: d("0.05"), Distribution: calibration.DistributionNormal},
	}
	e, err = f.service.SetComponents(ctx, e.ID, components)
	if err != nil {
		t.Fatalf("set components: %v", err)
	}
	return e
}

func (f *fixture) approve(t *testing.T) *calibration.CalibrationEvent {
	t.Helper()
	e := f.createFilled(t)
	tech := as(auth.RoleTechnician, "tech-1")
	if _, err := f.service.Submit(tech, e.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.Compute(tech, e.ID); err != nil {
		t.Fatalf("compute: %v", err)
	}
	if _, err := f.service.Review(as(auth.RoleReviewer, "rev-1"), e.ID); err != nil {
		t.Fatalf("review: %v", err)
	}
	e, err := f.service.Approve(as(auth.RoleApprover, "appr-1"), e.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return e
}

func TestService_CreateDefaultsFromPolicy(t *testing.T) {
	f := newFixture(t, nil)
	e, err := f.service.Create(as(auth.RoleTechnician, "tech-1"), application.CreateInput{Instrument: classIIIInstrument()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.Status != calibration.StatusDraft || e.Version != 1 {
		t.Fatalf("expected draft at version 1, got %s v%d", e.Status, e.Version)
	}
	if e.DecisionRule != calibration.RuleGuardBand || e.MethodCode != calibration.DefaultMethodCode {
		t.Fatalf("expected policy defaults, got %s %s", e.DecisionRule, e.MethodCode)
	}
	if e.TenantID != "tenant-a" || e.Operator != "tech-1" {
		t.Fatalf("unexpected identity fields: %s %s", e.TenantID, e.Operator)
	}
	if got := f.audit.Actions(); len(got) != 1 || got[0] != "calibration.create" {
		t.Fatalf("unexpected audit actions: %v", got)
	}
}

func TestService_CreateRequiresTenant(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.service.Create(context.Background(), application.CreateInput{Instrument: classIIIInstrument()})
	if !errors.Is(err, application.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
}

func TestService_IssueEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	e := f.approve(t)

	cert, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cert.Number != "CERT-000001" || cert.SequenceNumber != 1 {
		t.Fatalf("unexpected number %s (%d)", cert.Number, cert.SequenceNumber)
	}
	if !cert.VerifySnapshot() {
		t.Fatalf("snapshot hash must verify")
	}
	if !cert.NextDueAt.Equal(testNow.AddDate(0, 12, 0)) {
		t.Fatalf("unexpected next due %s", cert.NextDueAt)
	}

	stored, err := f.service.Get(as(auth.RoleViewer, "v"), e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != calibration.StatusIssued || stored.CertificateID != cert.ID {
		t.Fatalf("event must be issued, got %s", stored.Status)
	}

	v, err := f.service.Verify(context.Background(), cert.VerificationCode)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Validity != calibration.ValidityValid || v.Number != cert.Number || v.Instrument.SerialNumber != "SN-42" {
		t.Fatalf("unexpected verification: %+v", v)
	}
	if f.publisher.count() != 2 {
		t.Fatalf("expected computed and issued events, got %d", f.publisher.count())
	}
}

func TestService_IssueFailureRecordsGap(t *testing.T) {
	f := newFixture(t, func(r *memory.EventRepository) application.EventRepository {
		return failingIssueRepo{EventRepository: r}
	})
	e := f.approve(t)

	if _, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID); err == nil {
		t.Fatalf("expected issue failure")
	}
	key := numbering.Key{TenantID: "tenant-a", BranchID: "branch-1", Entity: numbering.EntityCertificate}
	gaps := f.sequences.Gaps(key)
	if len(gaps) != 1 || gaps[0].Number != 1 || gaps[0].Formatted != "CERT-000001" {
		t.Fatalf("expected one recorded gap, got %+v", gaps)
	}
	stored, err := f.repo.Get(context.Background(), "tenant-a", e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != calibration.StatusApproved {
		t.Fatalf("event must stay approved, got %s", stored.Status)
	}
}

func TestService_IssueBlockedDoesNotAllocate(t *testing.T) {
	f := newFixture(t, nil)
	e := f.createFilled(t)
	_, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID)
	var te *calibration.TransitionError
	if !errors.As(err, &te) || te.Reason != calibration.ReasonInvalidState {
		t.Fatalf("expected invalid state block, got %v", err)
	}
	key := numbering.Key{TenantID: "tenant-a", BranchID: "branch-1", Entity: numbering.EntityCertificate}
	if f.sequences.Current(key) != 0 {
		t.Fatalf("no number may be consumed")
	}
}

func TestService_MakerChecker(t *testing.T) {
	f := newFixture(t, nil)
	e := f.createFilled(t)
	tech := as(auth.RoleTechnician, "tech-1")
	if _, err := f.service.Submit(tech, e.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.service.Compute(tech, e.ID); err != nil {
		t.Fatalf("compute: %v", err)
	}

	if _, err := f.service.Review(as(auth.RoleReviewer, "tech-1"), e.ID); !errors.Is(err, calibration.ErrMakerChecker) {
		t.Fatalf("expected ErrMakerChecker, got %v", err)
	}
	if _, err := f.service.Review(tech, e.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.service.Review(as(auth.RoleReviewer, "rev-1"), e.ID); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := f.service.Approve(as(auth.RoleReviewer, "rev-2"), e.ID); !errors.Is(err, calibration.ErrApproverRequired) {
		t.Fatalf("expected ErrApproverRequired, got %v", err)
	}
}

func TestService_BranchScope(t *testing.T) {
	f := newFixture(t, nil)
	e := f.createFilled(t)
	north := auth.ContextWithIdentity(context.Background(), auth.Identity{TenantID: "tenant-a", BranchID: "lab-north", Role: auth.RoleTechnician, Subject: "tech-n"})

	own, err := f.service.Create(north, application.CreateInput{Instrument: classIIIInstrument()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if own.BranchID != "lab-north" {
		t.Fatalf("expected branch from identity, got %q", own.BranchID)
	}
	if _, err := f.service.Create(north, application.CreateInput{BranchID: "lab-south", Instrument: classIIIInstrument()}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for foreign branch, got %v", err)
	}
	if _, err := f.service.Get(north, e.ID); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading branch-1 event, got %v", err)
	}
	list, err := f.service.List(north, application.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != own.ID {
		t.Fatalf("scoped list must only show own branch, got %d", len(list))
	}
}

func TestService_TenantIsolation(t *testing.T) {
	f := newFixture(t, nil)
	e := f.createFilled(t)
	other := auth.WithIdentity(context.Background(), "tenant-b", auth.RoleAdmin, "intruder")
	if _, err := f.service.Get(other, e.ID); !errors.Is(err, calibration.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	if _, err := f.service.Cancel(other, e.ID, "nope"); !errors.Is(err, calibration.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
	list, err := f.service.List(other, application.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("foreign tenant must see nothing, got %d", len(list))
	}
}

func TestService_ConcurrentEditConflict(t *testing.T) {
	f := newFixture(t, nil)
	e := f.createFilled(t)
	ctx := context.Background()

	first, _ := f.repo.Get(ctx, "tenant-a", e.ID)
	second, _ := f.repo.Get(ctx, "tenant-a", e.ID)
	version := first.Version

	first.CancelReason = "first"
	if err := f.repo.Update(ctx, first, version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	second.CancelReason = "second"
	if err := f.repo.Update(ctx, second, version); !errors.Is(err, calibration.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestService_ConcurrentIssueSingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	e := f.approve(t)
	ctx := as(auth.RoleApprover, "appr-1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var issued int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.service.Issue(ctx, e.ID); err == nil {
				mu.Lock()
				issued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if issued != 1 {
		t.Fatalf("expected exactly one issue, got %d", issued)
	}
	key := numbering.Key{TenantID: "tenant-a", BranchID: "branch-1", Entity: numbering.EntityCertificate}
	if got := int64(len(f.sequences.Gaps(key))) + 1; got != f.sequences.Current(key) {
		t.Fatalf("every allocated number must be used or recorded as a gap: current=%d gaps=%d", f.sequences.Current(key), got-1)
	}
}

func TestService_SupersedeAndVerify(t *testing.T) {
	f := newFixture(t, nil)
	e := f.approve(t)
	cert, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rev, err := f.service.Supersede(as(auth.RoleApprover, "appr-1"), e.ID, "typo in serial")
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if rev.Status != calibration.StatusDraft || rev.SupersedesID != e.ID || rev.Version != 1 {
		t.Fatalf("unexpected revision: %s %s v%d", rev.Status, rev.SupersedesID, rev.Version)
	}
	v, err := f.service.Verify(context.Background(), cert.VerificationCode)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Validity != calibration.ValiditySuperseded {
		t.Fatalf("expected superseded, got %s", v.Validity)
	}
}

func TestService_VerifyDetectsTampering(t *testing.T) {
	f := newFixture(t, nil)
	e := f.approve(t)
	cert, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	f.repo.Tamper(e.ID, func(c *calibration.Certificate) { c.Instrument.SerialNumber = "forged" })
	v, err := f.service.Verify(context.Background(), cert.VerificationCode)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Validity != calibration.ValidityTampered {
		t.Fatalf("expected tampered, got %s", v.Validity)
	}
	if _, err := f.service.Verify(context.Background(), "unknown"); !errors.Is(err, calibration.ErrCertificateNotFound) {
		t.Fatalf("expected ErrCertificateNotFound, got %v", err)
	}
}

func TestService_PrefillSeedsFromPrior(t *testing.T) {
	f := newFixture(t, nil)
	prior := f.createFilled(t)
	seed, err := f.service.Prefill(as(auth.RoleTechnician, "tech-2"), prior.ID)
	if err != nil {
		t.Fatalf("prefill: %v", err)
	}
	if seed.PrefilledFromID != prior.ID || seed.Status != calibration.StatusDraft {
		t.Fatalf("unexpected seed: %+v", seed)
	}
	if len(seed.Readings) != len(prior.Readings) {
		t.Fatalf("expected seeded readings")
	}
	for i, r := range seed.Readings {
		if r.ID == "" || r.ID == prior.Readings[i].ID {
			t.Fatalf("seeded readings need fresh ids")
		}
		if !r.Indication.IsZero() {
			t.Fatalf("seeded indications must be empty")
		}
	}
}

func TestService_ComputeBlockedKeepsStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := as(auth.RoleTechnician, "tech-1")
	e, err := f.service.Create(ctx, application.CreateInput{Instrument: classIIIInstrument()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.service.Compute(ctx, e.ID); !errors.Is(err, calibration.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	stored, _ := f.service.Get(ctx, e.ID)
	if stored.Status != calibration.StatusDraft || stored.Version != e.Version {
		t.Fatalf("blocked compute must not persist")
	}
}

func TestService_Batches(t *testing.T) {
	f := newFixture(t, nil)
	first := f.approve(t)
	second := f.approve(t)
	draft := f.createFilled(t)

	results := f.service.IssueBatch(as(auth.RoleApprover, "appr-1"), []string{first.ID, draft.ID, second.ID})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK() || !results[2].OK() {
		t.Fatalf("approved events must issue: %+v", results)
	}
	if results[1].OK() || results[1].Reason != calibration.ReasonInvalidState {
		t.Fatalf("draft must be blocked: %+v", results[1])
	}
	if results[0].Certificate == results[2].Certificate {
		t.Fatalf("numbers must be distinct")
	}

	computed := f.service.ComputeBatch(as(auth.RoleTechnician, "tech-1"), []string{draft.ID, "missing"})
	if computed[0].OK() || computed[1].OK() {
		t.Fatalf("unsubmitted and missing events must fail: %+v", computed)
	}
	if !errors.Is(computed[1].Err, calibration.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", computed[1].Err)
	}
}
