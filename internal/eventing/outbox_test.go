package eventing_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	calibrationapp "metrology-cloud/internal/calibration/application"
	"metrology-cloud/internal/eventing"
	"metrology-cloud/internal/eventing/infrastructure/memory"
)

func issuedEvent() calibrationapp.CertificateIssued {
	return calibrationapp.CertificateIssued{
		CertificateID: "cert-1",
		EventID:       "evt-1",
		TenantID:      "tenant-a",
		BranchID:      "branch-1",
		Number:        "CERT-000001",
		OccurredAt:    time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC),
	}
}

type pipeline struct {
	bus        *eventing.InMemoryBus
	outbox     *memory.OutboxStore
	processed  *memory.ProcessedStore
	dlq        *memory.DLQStore
	dispatcher *eventing.Dispatcher
	publisher  *eventing.Publisher
}

func newPipeline() *pipeline {
	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	calibrationapp.RegisterEvents(registry)
	outbox := memory.NewOutboxStore()
	dlq := memory.NewDLQStore()
	dispatcher := eventing.NewDispatcher(bus, outbox, registry, dlq)
	return &pipeline{
		bus:        bus,
		outbox:     outbox,
		processed:  memory.NewProcessedStore(),
		dlq:        dlq,
		dispatcher: dispatcher,
		publisher:  eventing.NewPublisher(outbox, dispatcher, "", bus),
	}
}

func TestBuildEnvelope_ExtractsScope(t *testing.T) {
	env, err := eventing.BuildEnvelope(issuedEvent(), eventing.Meta{})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if env.TenantID != "tenant-a" || env.BranchID != "branch-1" || env.AggregateID != "evt-1" {
		t.Fatalf("scope not extracted: %+v", env)
	}
	if env.EventType != eventing.EventTypeOf[calibrationapp.CertificateIssued]() {
		t.Fatalf("unexpected event type %s", env.EventType)
	}
	if !env.OccurredAt.Equal(issuedEvent().OccurredAt) || env.CorrelationID != env.EventID {
		t.Fatalf("unexpected envelope defaults: %+v", env)
	}
	if _, err := eventing.BuildEnvelope(nil, eventing.Meta{}); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

func TestPublisher_DeliversOnceToIdempotentConsumer(t *testing.T) {
	p := newPipeline()
	var received []calibrationapp.CertificateIssued
	eventing.Subscribe(p.bus, eventing.EventTypeOf[calibrationapp.CertificateIssued](), "notifier", func(_ context.Context, event any) error {
		received = append(received, event.(calibrationapp.CertificateIssued))
		return nil
	}, p.processed)

	ctx := eventing.WithEventID(context.Background(), "evt-dup-001")
	if err := p.publisher.Publish(ctx, issuedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := p.publisher.Publish(ctx, issuedEvent()); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}

	if len(received) != 1 || received[0].Number != "CERT-000001" {
		t.Fatalf("expected one delivery, got %+v", received)
	}
	if p.outbox.Count("sent") != 2 {
		t.Fatalf("both outbox rows must be marked sent, got %d", p.outbox.Count("sent"))
	}
}

func TestDispatcher_DeadLettersFailures(t *testing.T) {
	p := newPipeline()
	eventing.Subscribe(p.bus, eventing.EventTypeOf[calibrationapp.CertificateIssued](), "failing", func(context.Context, any) error {
		return errors.New("boom")
	}, p.processed)

	publisher := eventing.NewPublisher(p.outbox, nil, "", p.bus)
	if err := publisher.Publish(context.Background(), issuedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	result, err := p.dispatcher.Dispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Claimed != 1 || result.Failed != 1 || result.DLQ != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if p.dlq.Len() != 1 || p.outbox.Count("failed") != 1 {
		t.Fatalf("expected dead letter and failed outbox row")
	}
}

func TestDispatcher_UnknownTypeIsDeadLettered(t *testing.T) {
	p := newPipeline()
	env, err := eventing.BuildEnvelope(struct{ TenantID string }{TenantID: "tenant-a"}, eventing.Meta{})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	if _, err := p.outbox.Insert(context.Background(), env); err != nil {
		t.Fatalf("insert: %v", err)
	}
	result, err := p.dispatcher.Dispatch(context.Background(), 0)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Requested != 50 || result.DLQ != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	letters := p.dlq.ForAggregate("tenant-a", "")
	if len(letters) != 1 || !strings.Contains(letters[0].Error, eventing.ErrUnknownEventType.Error()) {
		t.Fatalf("expected unknown type dead letter, got %+v", letters)
	}
}

func TestRegistry_DecodesRegisteredTypes(t *testing.T) {
	registry := eventing.NewRegistry()
	calibrationapp.RegisterEvents(registry)
	if got := len(registry.Types()); got != 4 {
		t.Fatalf("expected 4 registered types, got %v", registry.Types())
	}
	env, err := eventing.BuildEnvelope(issuedEvent(), eventing.Meta{})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	decoded, err := registry.DecodePayload(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	issued, ok := decoded.(calibrationapp.CertificateIssued)
	if !ok || issued.Number != "CERT-000001" {
		t.Fatalf("unexpected decoded value %#v", decoded)
	}
	env.EventType = "calibration.Unknown"
	if _, err := registry.DecodePayload(env); !errors.Is(err, eventing.ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestOutbox_ListByAggregate(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()
	first := issuedEvent()
	other := issuedEvent()
	other.EventID = "evt-2"
	foreign := issuedEvent()
	foreign.TenantID = "tenant-b"
	for _, evt := range []calibrationapp.CertificateIssued{first, other, foreign, first} {
		if err := p.publisher.Publish(ctx, evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	records, err := p.outbox.ListByAggregate(ctx, "tenant-a", "evt-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records for evt-1, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != eventing.StatusSent || record.Envelope.AggregateID != "evt-1" {
			t.Fatalf("unexpected record %+v", record)
		}
	}
}

func TestPublisher_HandlerEventsInheritCorrelation(t *testing.T) {
	p := newPipeline()
	chained := eventing.NewPublisher(p.outbox, nil, "", p.bus)
	eventing.Subscribe(p.bus, eventing.EventTypeOf[calibrationapp.CertificateIssued](), "chain", func(ctx context.Context, event any) error {
		issued := event.(calibrationapp.CertificateIssued)
		return chained.Publish(ctx, calibrationapp.EventSuperseded{EventID: issued.EventID})
	}, p.processed)

	ctx := eventing.WithCorrelationID(context.Background(), "req-42")
	if err := p.publisher.Publish(ctx, issuedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	records, err := p.outbox.ListByAggregate(context.Background(), "tenant-a", "evt-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected issued and superseded records, got %d", len(records))
	}
	for _, record := range records {
		if record.Envelope.CorrelationID != "req-42" || record.Envelope.TenantID != "tenant-a" {
			t.Fatalf("scope not inherited: %+v", record.Envelope)
		}
	}
	if p.processed.CountForAggregate("chain", "evt-1") != 1 {
		t.Fatalf("expected one processed envelope for chain")
	}
}
