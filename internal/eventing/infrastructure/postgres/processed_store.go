package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/eventing"
)

// ProcessedStore records in processed_events which envelopes each consumer
// has handled, together with the tenant and aggregate they concern.
type ProcessedStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// NewProcessedStore constructs a processed store.
func NewProcessedStore(db *sql.DB) *ProcessedStore {
	return &ProcessedStore{db: db, logger: logrus.StandardLogger()}
}

// SetLogger replaces the store logger.
func (s *ProcessedStore) SetLogger(logger logrus.FieldLogger) {
	if s != nil && logger != nil {
		s.logger = logger
	}
}

// HasProcessed reports whether consumerName already handled env.
func (s *ProcessedStore) HasProcessed(ctx context.Context, env eventing.Envelope, consumerName string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilDB
	}
	if env.EventID == "" || consumerName == "" {
		return false, errors.New("processed store: invalid arguments")
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM processed_events WHERE event_id = $1 AND consumer_name = $2
)`, env.EventID, consumerName).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "processed store: lookup")
	}
	return exists, nil
}

// MarkProcessed records env as handled by consumerName.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, env eventing.Envelope, consumerName string) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if env.EventID == "" || consumerName == "" {
		return errors.New("processed store: invalid arguments")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO processed_events (event_id, consumer_name, tenant_id, aggregate_id, processed_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (event_id, consumer_name) DO NOTHING`,
		env.EventID, consumerName, env.TenantID, env.AggregateID, time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "processed store: mark")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.WithFields(logrus.Fields{
			"event_id": env.EventID,
			"consumer": consumerName,
		}).Debug("event already marked processed")
	}
	return nil
}
