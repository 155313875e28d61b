package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/eventing"
)

var errNilDB = errors.New("eventing store: nil db")

const outboxColumns = `id, payload, status, attempts, created_at`

// OutboxStore persists envelopes in event_outbox. Rows carry the tenant,
// branch and aggregate of their envelope so one calibration event's history
// can be listed without decoding payloads.
type OutboxStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db, logger: logrus.StandardLogger()}
}

// SetLogger replaces the store logger.
func (s *OutboxStore) SetLogger(logger logrus.FieldLogger) {
	if s != nil && logger != nil {
		s.logger = logger
	}
}

// Insert writes env as a pending record and returns the record id.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errNilDB
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "outbox store: encode envelope")
	}
	id := eventing.NewEventID()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO event_outbox (id, event_id, event_type, tenant_id, branch_id, aggregate_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, env.EventID, env.EventType, env.TenantID, env.BranchID, env.AggregateID, payload)
	if err != nil {
		return "", errors.Wrap(err, "outbox store: insert")
	}
	return id, nil
}

// ListPending returns up to limit pending records, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM event_outbox
WHERE status = $1
ORDER BY created_at, id
LIMIT $2`, eventing.StatusPending, limit)
	if err != nil {
		return nil, errors.Wrap(err, "outbox store: list pending")
	}
	return scanRecords(rows)
}

// ListByAggregate returns every record of one aggregate, oldest first.
func (s *OutboxStore) ListByAggregate(ctx context.Context, tenantID, aggregateID string) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errNilDB
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+outboxColumns+`
FROM event_outbox
WHERE tenant_id = $1 AND aggregate_id = $2
ORDER BY created_at, id`, tenantID, aggregateID)
	if err != nil {
		return nil, errors.Wrap(err, "outbox store: list by aggregate")
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]eventing.OutboxRecord, error) {
	defer rows.Close()
	var out []eventing.OutboxRecord
	for rows.Next() {
		var (
			record  eventing.OutboxRecord
			payload []byte
		)
		if err := rows.Scan(&record.ID, &payload, &record.Status, &record.Attempts, &record.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "outbox store: scan")
		}
		if err := json.Unmarshal(payload, &record.Envelope); err != nil {
			return nil, errors.Wrapf(err, "outbox store: decode record %s", record.ID)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// MarkSent marks a record as delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	return s.mark(ctx, id, `
UPDATE event_outbox
SET status = 'sent', sent_at = $2
WHERE id = $1`, time.Now().UTC())
}

// MarkFailed marks a record as failed and counts the attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string) error {
	return s.mark(ctx, id, `
UPDATE event_outbox
SET status = 'failed', attempts = attempts + 1
WHERE id = $1`)
}

func (s *OutboxStore) mark(ctx context.Context, id, query string, args ...any) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return errors.Wrapf(err, "outbox store: mark %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.WithField("outbox_id", id).Warn("outbox record not found")
	}
	return nil
}
