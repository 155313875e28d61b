package application_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"metrology-cloud/internal/audit"
	"metrology-cloud/internal/auth"
	"metrology-cloud/internal/calibration/application"
	calibration "metrology-cloud/internal/calibration/domain"
	"metrology-cloud/internal/calibration/infrastructure/memory"
	"metrology-cloud/internal/eventing"
	eventingmemory "metrology-cloud/internal/eventing/infrastructure/memory"
	numberingapp "metrology-cloud/internal/numbering/application"
	numberingmemory "metrology-cloud/internal/numbering/infrastructure/memory"
)

type eventedFixture struct {
	*fixture
	bus       *eventing.InMemoryBus
	registry  *eventing.Registry
	outbox    *eventingmemory.OutboxStore
	processed *eventingmemory.ProcessedStore
	hook      *test.Hook
}

func newEventedFixture(t *testing.T) *eventedFixture {
	t.Helper()
	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	application.RegisterEvents(registry)
	outbox := eventingmemory.NewOutboxStore()
	processed := eventingmemory.NewProcessedStore()
	dispatcher := eventing.NewDispatcher(bus, outbox, registry, eventingmemory.NewDLQStore())
	publisher := eventing.NewPublisher(outbox, dispatcher, "", bus)

	logger, hook := test.NewNullLogger()
	application.SubscribeCertificateLog(bus, processed, logger)

	repo := memory.NewEventRepository()
	sequences := numberingmemory.NewSequenceStore()
	allocator, err := numberingapp.NewAllocator(sequences, numberingapp.StaticFormats{Prefix: "CERT-", Padding: 6})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	auditLog := audit.NewMemoryLogger()
	service, err := application.NewService(repo, allocator, staticPolicies{policy: testPolicy()},
		application.WithClock(fixedClock{now: testNow}),
		application.WithAuditLogger(auditLog),
		application.WithPublisher(publisher),
		application.WithEventLog(outbox),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return &eventedFixture{
		fixture:   &fixture{service: service, repo: repo, sequences: sequences, audit: auditLog},
		bus:       bus,
		registry:  registry,
		outbox:    outbox,
		processed: processed,
		hook:      hook,
	}
}

func TestService_HistoryListsPublishedEvents(t *testing.T) {
	f := newEventedFixture(t)
	e := f.approve(t)
	if _, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID); err != nil {
		t.Fatalf("issue: %v", err)
	}

	entries, err := f.service.History(as(auth.RoleViewer, "v"), e.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected computed and issued entries, got %+v", entries)
	}
	if entries[0].Type != "EventComputed" || entries[1].Type != "CertificateIssued" {
		t.Fatalf("unexpected entry types %s %s", entries[0].Type, entries[1].Type)
	}
	for _, entry := range entries {
		if entry.Delivery != eventing.StatusSent || len(entry.Payload) == 0 {
			t.Fatalf("unexpected entry %+v", entry)
		}
	}

	other := auth.WithIdentity(context.Background(), "tenant-b", auth.RoleAdmin, "intruder")
	if _, err := f.service.History(other, e.ID); !errors.Is(err, calibration.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestService_HistoryWithoutEventLog(t *testing.T) {
	f := newFixture(t, nil)
	e := f.createFilled(t)
	entries, err := f.service.History(as(auth.RoleViewer, "v"), e.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if entries == nil || len(entries) != 0 {
		t.Fatalf("expected empty history, got %#v", entries)
	}
}

func TestSubscribeCertificateLog_LogsOncePerEnvelope(t *testing.T) {
	f := newEventedFixture(t)
	e := f.approve(t)
	cert, err := f.service.Issue(as(auth.RoleApprover, "appr-1"), e.ID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	records, err := f.outbox.ListByAggregate(context.Background(), "tenant-a", e.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var issuedEnv eventing.Envelope
	for _, record := range records {
		if record.Envelope.EventType == eventing.EventTypeOf[application.CertificateIssued]() {
			issuedEnv = record.Envelope
		}
	}
	if issuedEnv.EventID == "" {
		t.Fatalf("issued envelope not in outbox: %+v", records)
	}

	payload, err := f.registry.DecodePayload(issuedEnv)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := f.bus.Publish(eventing.WithEnvelope(context.Background(), issuedEnv), payload); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	logged := 0
	for _, entry := range f.hook.AllEntries() {
		if entry.Message != "certificate issued" {
			continue
		}
		logged++
		if entry.Level != logrus.InfoLevel || entry.Data["certificate"] != cert.Number {
			t.Fatalf("unexpected log entry %+v", entry.Data)
		}
		if entry.Data["correlation_id"] != issuedEnv.CorrelationID {
			t.Fatalf("expected correlation id %s, got %v", issuedEnv.CorrelationID, entry.Data["correlation_id"])
		}
	}
	if logged != 1 {
		t.Fatalf("expected one log line, got %d", logged)
	}
	if got := f.processed.CountForAggregate(application.CertificateLogConsumer, e.ID); got != 1 {
		t.Fatalf("expected one processed envelope, got %d", got)
	}
}
