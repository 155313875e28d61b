package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"metrology-cloud/internal/eventing"
)

type outboxEntry struct {
	record eventing.OutboxRecord
	seq    int
}

// OutboxStore keeps outbox records in memory.
type OutboxStore struct {
	mu      sync.Mutex
	entries map[string]*outboxEntry
	seq     int
	now     func() time.Time
}

// NewOutboxStore constructs an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{entries: make(map[string]*outboxEntry), now: func() time.Time { return time.Now().UTC() }}
}

// Insert stores an envelope as pending.
func (s *OutboxStore) Insert(_ context.Context, env eventing.Envelope) (string, error) {
	if s == nil {
		return "", errors.New("outbox store: nil store")
	}
	id := eventing.NewEventID()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.entries[id] = &outboxEntry{
		record: eventing.OutboxRecord{
			ID:        id,
			Envelope:  env,
			Status:    eventing.StatusPending,
			CreatedAt: s.now(),
		},
		seq: s.seq,
	}
	return id, nil
}

// ListPending returns pending records in insertion order.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.collect(limit, func(r eventing.OutboxRecord) bool {
		return r.Status == eventing.StatusPending
	}), nil
}

// ListByAggregate returns every record of one aggregate in insertion order.
func (s *OutboxStore) ListByAggregate(_ context.Context, tenantID, aggregateID string) ([]eventing.OutboxRecord, error) {
	return s.collect(0, func(r eventing.OutboxRecord) bool {
		return r.Envelope.TenantID == tenantID && r.Envelope.AggregateID == aggregateID
	}), nil
}

func (s *OutboxStore) collect(limit int, keep func(eventing.OutboxRecord) bool) []eventing.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]*outboxEntry, 0)
	for _, entry := range s.entries {
		if keep(entry.record) {
			matched = append(matched, entry)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]eventing.OutboxRecord, 0, len(matched))
	for _, entry := range matched {
		out = append(out, entry.record)
	}
	return out
}

// MarkSent marks a record as delivered.
func (s *OutboxStore) MarkSent(_ context.Context, id string) error {
	return s.mark(id, eventing.StatusSent)
}

// MarkFailed marks a record as failed.
func (s *OutboxStore) MarkFailed(_ context.Context, id string) error {
	return s.mark(id, eventing.StatusFailed)
}

func (s *OutboxStore) mark(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return errors.New("outbox store: unknown record")
	}
	entry.record.Status = status
	if status == eventing.StatusFailed {
		entry.record.Attempts++
	}
	return nil
}

// Count returns the number of records with status.
func (s *OutboxStore) Count(status string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.entries {
		if entry.record.Status == status {
			n++
		}
	}
	return n
}

// ProcessedStore tracks consumed envelopes in memory.
type ProcessedStore struct {
	mu   sync.RWMutex
	seen map[string]eventing.Envelope
}

// NewProcessedStore constructs an empty store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: make(map[string]eventing.Envelope)}
}

// HasProcessed reports whether the consumer already handled env.
func (s *ProcessedStore) HasProcessed(_ context.Context, env eventing.Envelope, consumerName string) (bool, error) {
	if env.EventID == "" || consumerName == "" {
		return false, errors.New("processed store: invalid arguments")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[consumerName+"/"+env.EventID]
	return ok, nil
}

// MarkProcessed records env as handled by the consumer.
func (s *ProcessedStore) MarkProcessed(_ context.Context, env eventing.Envelope, consumerName string) error {
	if env.EventID == "" || consumerName == "" {
		return errors.New("processed store: invalid arguments")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[consumerName+"/"+env.EventID] = env
	return nil
}

// CountForAggregate returns how many envelopes of aggregateID the consumer handled.
func (s *ProcessedStore) CountForAggregate(consumerName, aggregateID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	prefix := consumerName + "/"
	for key, env := range s.seen {
		if strings.HasPrefix(key, prefix) && env.AggregateID == aggregateID {
			n++
		}
	}
	return n
}

// DLQRecord is a dead letter captured in memory.
type DLQRecord struct {
	Envelope eventing.Envelope
	Error    string
	Attempts int
}

// DLQStore keeps dead letters in memory.
type DLQStore struct {
	mu      sync.Mutex
	records map[string]*DLQRecord
}

// NewDLQStore constructs an empty store.
func NewDLQStore() *DLQStore {
	return &DLQStore{records: make(map[string]*DLQRecord)}
}

// RecordFailure inserts or updates a dead letter.
func (s *DLQStore) RecordFailure(_ context.Context, env eventing.Envelope, err error) error {
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[env.EventID]
	if !ok {
		record = &DLQRecord{Envelope: env}
		s.records[env.EventID] = record
	}
	record.Error = message
	record.Attempts++
	return nil
}

// Len returns the number of dead letters.
func (s *DLQStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// ForAggregate returns the dead letters of one aggregate.
func (s *DLQStore) ForAggregate(tenantID, aggregateID string) []DLQRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DLQRecord
	for _, record := range s.records {
		if record.Envelope.TenantID == tenantID && record.Envelope.AggregateID == aggregateID {
			out = append(out, *record)
		}
	}
	return out
}
