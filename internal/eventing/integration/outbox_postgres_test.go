package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	calibrationapp "metrology-cloud/internal/calibration/application"
	"metrology-cloud/internal/eventing"
	eventingrepo "metrology-cloud/internal/eventing/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type pgPipeline struct {
	db         *sql.DB
	bus        *eventing.InMemoryBus
	outbox     *eventingrepo.OutboxStore
	processed  *eventingrepo.ProcessedStore
	dispatcher *eventing.Dispatcher
	publisher  *eventing.Publisher
}

func openPipeline(t *testing.T) *pgPipeline {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, table := range []string{"event_outbox", "processed_events", "dead_letter_events"} {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}
	ctx := context.Background()
	for _, table := range []string{"processed_events", "dead_letter_events", "event_outbox"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}

	bus := eventing.NewInMemoryBus()
	registry := eventing.NewRegistry()
	calibrationapp.RegisterEvents(registry)
	outbox := eventingrepo.NewOutboxStore(db)
	processed := eventingrepo.NewProcessedStore(db)
	dispatcher := eventing.NewDispatcher(bus, outbox, registry, eventingrepo.NewDLQStore(db))
	return &pgPipeline{
		db:         db,
		bus:        bus,
		outbox:     outbox,
		processed:  processed,
		dispatcher: dispatcher,
		publisher:  eventing.NewPublisher(outbox, dispatcher, "tenant-test", bus),
	}
}

func issued(eventID, number string) calibrationapp.CertificateIssued {
	return calibrationapp.CertificateIssued{
		CertificateID: "cert-" + eventID,
		EventID:       eventID,
		TenantID:      "tenant-test",
		BranchID:      "lab-north",
		Number:        number,
		OccurredAt:    time.Date(2026, time.January, 25, 11, 0, 0, 0, time.UTC),
	}
}

func TestEventing_IdempotentConsumer(t *testing.T) {
	p := openPipeline(t)
	count := 0
	eventing.Subscribe(p.bus, eventing.EventTypeOf[calibrationapp.CertificateIssued](), "consumer-a", func(context.Context, any) error {
		count++
		return nil
	}, p.processed)

	ctx := eventing.WithEventID(context.Background(), "evt-dup-001")
	ctx = eventing.WithTenantID(ctx, "tenant-test")
	payload := issued("evt-it-1", "CERT-000001")
	if err := p.publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	if err := p.publisher.Publish(ctx, payload); err != nil {
		t.Fatalf("publish duplicate: %v", err)
	}
	if _, err := p.dispatcher.Dispatch(ctx, 10); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if count != 1 {
		t.Fatalf("expected handler once, got %d", count)
	}
	var aggregateID string
	if err := p.db.QueryRowContext(ctx,
		"SELECT aggregate_id FROM processed_events WHERE consumer_name = $1", "consumer-a").Scan(&aggregateID); err != nil {
		t.Fatalf("read processed row: %v", err)
	}
	if aggregateID != "evt-it-1" {
		t.Fatalf("expected aggregate evt-it-1, got %q", aggregateID)
	}
}

func TestEventing_ListByAggregate(t *testing.T) {
	p := openPipeline(t)
	ctx := context.Background()
	for _, payload := range []calibrationapp.CertificateIssued{
		issued("evt-it-3", "CERT-000003"),
		issued("evt-it-4", "CERT-000004"),
		issued("evt-it-3", "CERT-000005"),
	} {
		if err := p.publisher.Publish(ctx, payload); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	records, err := p.outbox.ListByAggregate(ctx, "tenant-test", "evt-it-3")
	if err != nil {
		t.Fatalf("list by aggregate: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != eventing.StatusSent || record.Envelope.BranchID != "lab-north" {
			t.Fatalf("unexpected record %+v", record)
		}
	}
	others, err := p.outbox.ListByAggregate(ctx, "tenant-other", "evt-it-3")
	if err != nil {
		t.Fatalf("list foreign tenant: %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("records leaked across tenants: %+v", others)
	}
}

func TestEventing_DLQOnFailure(t *testing.T) {
	p := openPipeline(t)
	eventing.Subscribe(p.bus, eventing.EventTypeOf[calibrationapp.CertificateIssued](), "consumer-fail", func(context.Context, any) error {
		return errors.New("boom")
	}, p.processed)

	ctx := context.Background()
	if err := p.publisher.Publish(ctx, issued("evt-it-2", "CERT-000002")); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	_, _ = p.dispatcher.Dispatch(ctx, 10)

	var (
		dlqCount    int
		aggregateID string
	)
	if err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(aggregate_id) FROM dead_letter_events WHERE tenant_id = $1", "tenant-test").Scan(&dlqCount, &aggregateID); err != nil {
		t.Fatalf("count dlq: %v", err)
	}
	if dlqCount != 1 || aggregateID != "evt-it-2" {
		t.Fatalf("expected 1 dlq record for evt-it-2, got %d %q", dlqCount, aggregateID)
	}
	records, err := p.outbox.ListByAggregate(ctx, "tenant-test", "evt-it-2")
	if err != nil {
		t.Fatalf("list by aggregate: %v", err)
	}
	if len(records) != 1 || records[0].Status != eventing.StatusFailed || records[0].Attempts != 1 {
		t.Fatalf("expected one failed record, got %+v", records)
	}
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
