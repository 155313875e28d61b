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

// DLQStore keeps envelopes that no consumer could handle in
// dead_letter_events, one row per envelope.
type DLQStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db *sql.DB) *DLQStore {
	return &DLQStore{db: db, logger: logrus.StandardLogger()}
}

// SetLogger replaces the store logger.
func (s *DLQStore) SetLogger(logger logrus.FieldLogger) {
	if s != nil && logger != nil {
		s.logger = logger
	}
}

// RecordFailure stores env with its latest error. Repeat failures bump the
// attempt count.
func (s *DLQStore) RecordFailure(ctx context.Context, env eventing.Envelope, cause error) error {
	if s == nil || s.db == nil {
		return errNilDB
	}
	if env.EventID == "" {
		return errors.New("dlq store: empty event id")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "dlq store: encode envelope")
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, `
INSERT INTO dead_letter_events (
	event_id, event_type, tenant_id, aggregate_id, payload, error, first_seen_at, last_seen_at, attempts
) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1)
ON CONFLICT (event_id) DO UPDATE SET
	payload = EXCLUDED.payload,
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = dead_letter_events.attempts + 1
RETURNING attempts`,
		env.EventID, env.EventType, env.TenantID, env.AggregateID, payload, message, time.Now().UTC()).Scan(&attempts)
	if err != nil {
		return errors.Wrap(err, "dlq store: record failure")
	}
	s.logger.WithFields(logrus.Fields{
		"event_id":     env.EventID,
		"event_type":   env.EventType,
		"tenant_id":    env.TenantID,
		"aggregate_id": env.AggregateID,
		"attempts":     attempts,
	}).Warn("event dead-lettered")
	return nil
}
