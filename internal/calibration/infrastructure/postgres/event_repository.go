package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"metrology-cloud/internal/calibration/application"
	calibration "metrology-cloud/internal/calibration/domain"
	pgplatform "metrology-cloud/internal/platform/postgres"
)

const eventColumns = `
	id, tenant_id, branch_id, status, version, method_code, verification_type,
	decision_rule, coverage_factor, instrument, environment, standards,
	eccentricity, eccentricity_load, links, results, operator, created_by,
	reviewed_by, reviewed_at, approved_by, approved_at, prefilled_from_id,
	supersedes_id, superseded_by_id, certificate_id, cancel_reason,
	created_at, updated_at, cancelled_at`

// EventRepository is a Postgres repository for calibration events and certificates.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

var _ application.EventRepository = (*EventRepository)(nil)

// Create inserts a new event at version 1 with its child rows.
func (r *EventRepository) Create(ctx context.Context, e *calibration.CalibrationEvent) error {
	if r == nil || r.db == nil {
		return errors.New("calibration repo: nil db")
	}
	if e == nil {
		return errors.New("calibration repo: nil event")
	}
	e.Version = 1
	err := pgplatform.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return insertEvent(ctx, tx, e)
	})
	return pgplatform.MapError(err, calibration.ErrEventNotFound, calibration.ErrDuplicateEvent)
}

// Get loads an event owned by tenantID.
func (r *EventRepository) Get(ctx context.Context, tenantID, id string) (*calibration.CalibrationEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("calibration repo: nil db")
	}
	if tenantID == "" || id == "" {
		return nil, calibration.ErrEventNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT`+eventColumns+`
FROM calibration_events
WHERE tenant_id = $1 AND id = $2
LIMIT 1`, tenantID, id)
	e, err := scanEvent(row)
	if err != nil {
		return nil, pgplatform.MapError(err, calibration.ErrEventNotFound, calibration.ErrDuplicateEvent)
	}
	if err := r.loadChildren(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// List returns matching events, newest first.
func (r *EventRepository) List(ctx context.Context, filter application.ListFilter) ([]*calibration.CalibrationEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("calibration repo: nil db")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT`+eventColumns+`
FROM calibration_events
WHERE tenant_id = $1
	AND ($2 = '' OR branch_id = $2)
	AND ($3 = '' OR status = $3)
ORDER BY created_at DESC, id
LIMIT $4`, filter.TenantID, filter.BranchID, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*calibration.CalibrationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range events {
		if err := r.loadChildren(ctx, e); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Update writes the event when the stored version matches expectedVersion.
func (r *EventRepository) Update(ctx context.Context, e *calibration.CalibrationEvent, expectedVersion int64) error {
	if r == nil || r.db == nil {
		return errors.New("calibration repo: nil db")
	}
	err := pgplatform.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		return updateEvent(ctx, tx, e, expectedVersion)
	})
	if err != nil {
		return pgplatform.MapError(err, calibration.ErrEventNotFound, calibration.ErrConcurrentModification)
	}
	e.Version = expectedVersion + 1
	return nil
}

// Issue stores the certificate and the issued event in one transaction.
func (r *EventRepository) Issue(ctx context.Context, e *calibration.CalibrationEvent, expectedVersion int64, cert *calibration.Certificate) error {
	if r == nil || r.db == nil {
		return errors.New("calibration repo: nil db")
	}
	if cert == nil {
		return calibration.ErrCertificateNotFound
	}
	payload, err := json.Marshal(cert)
	if err != nil {
		return errors.Wrap(err, "calibration repo: encode certificate")
	}
	err = pgplatform.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := updateEvent(ctx, tx, e, expectedVersion); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO calibration_certificates (
	id, tenant_id, branch_id, event_id, number, sequence_number,
	verification_code, snapshot_hash, payload, issued_at, next_due_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10, $11
)`, cert.ID, cert.TenantID, cert.BranchID, cert.EventID, cert.Number, cert.SequenceNumber,
			cert.VerificationCode, cert.SnapshotHash, payload, cert.IssuedAt, cert.NextDueAt)
		return err
	})
	if err != nil {
		return pgplatform.MapError(err, calibration.ErrEventNotFound, calibration.ErrConcurrentModification)
	}
	e.Version = expectedVersion + 1
	return nil
}

// Supersede stores the retired event and inserts its revision in one transaction.
func (r *EventRepository) Supersede(ctx context.Context, old *calibration.CalibrationEvent, expectedVersion int64, revision *calibration.CalibrationEvent) error {
	if r == nil || r.db == nil {
		return errors.New("calibration repo: nil db")
	}
	if revision == nil {
		return errors.New("calibration repo: nil revision")
	}
	revision.Version = 1
	err := pgplatform.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := updateEvent(ctx, tx, old, expectedVersion); err != nil {
			return err
		}
		return insertEvent(ctx, tx, revision)
	})
	if err != nil {
		return pgplatform.MapError(err, calibration.ErrEventNotFound, calibration.ErrDuplicateEvent)
	}
	old.Version = expectedVersion + 1
	return nil
}

// GetCertificate loads the certificate of an event owned by tenantID.
func (r *EventRepository) GetCertificate(ctx context.Context, tenantID, eventID string) (*calibration.Certificate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("calibration repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT payload
FROM calibration_certificates
WHERE tenant_id = $1 AND event_id = $2
LIMIT 1`, tenantID, eventID)
	return scanCertificate(row)
}

// FindCertificateByCode resolves a verification code across tenants.
func (r *EventRepository) FindCertificateByCode(ctx context.Context, code string) (*calibration.Certificate, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("calibration repo: nil db")
	}
	if code == "" {
		return nil, calibration.ErrCertificateNotFound
	}
	row := r.db.QueryRowContext(ctx, `
SELECT payload
FROM calibration_certificates
WHERE verification_code = $1
LIMIT 1`, code)
	return scanCertificate(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (*calibration.Certificate, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, pgplatform.MapError(err, calibration.ErrCertificateNotFound, calibration.ErrDuplicateEvent)
	}
	var cert calibration.Certificate
	if err := json.Unmarshal(payload, &cert); err != nil {
		return nil, errors.Wrap(err, "calibration repo: decode certificate")
	}
	return &cert, nil
}

func scanEvent(row rowScanner) (*calibration.CalibrationEvent, error) {
	var e calibration.CalibrationEvent
	var status, verification, rule string
	var coverage, eccLoad decimal.NullDecimal
	var instrument, environment, standards, ecc, links, results []byte
	var reviewedAt, approvedAt, cancelledAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.TenantID, &e.BranchID, &status, &e.Version, &e.MethodCode, &verification,
		&rule, &coverage, &instrument, &environment, &standards,
		&ecc, &eccLoad, &links, &results, &e.Operator, &e.CreatedBy,
		&e.ReviewedBy, &reviewedAt, &e.ApprovedBy, &approvedAt, &e.PrefilledFromID,
		&e.SupersedesID, &e.SupersededByID, &e.CertificateID, &e.CancelReason,
		&e.CreatedAt, &e.UpdatedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = calibration.Status(status)
	e.VerificationType = calibration.VerificationType(verification)
	e.DecisionRule = calibration.DecisionRule(rule)
	if coverage.Valid {
		e.CoverageFactor = coverage.Decimal
	}
	if eccLoad.Valid {
		e.EccentricityLoad = eccLoad.Decimal
	}
	e.ReviewedAt = timeOrZero(reviewedAt)
	e.ApprovedAt = timeOrZero(approvedAt)
	e.CancelledAt = timeOrZero(cancelledAt)

	if err := json.Unmarshal(instrument, &e.Instrument); err != nil {
		return nil, errors.Wrap(err, "calibration repo: decode instrument")
	}
	if err := decodeOptional(environment, &e.Environment); err != nil {
		return nil, errors.Wrap(err, "calibration repo: decode environment")
	}
	if err := decodeOptional(standards, &e.Standards); err != nil {
		return nil, errors.Wrap(err, "calibration repo: decode standards")
	}
	if err := decodeOptional(ecc, &e.Eccentricity); err != nil {
		return nil, errors.Wrap(err, "calibration repo: decode eccentricity")
	}
	if e.Links, err = calibration.DecodeLinks(links); err != nil {
		return nil, err
	}
	if len(results) > 0 {
		var computed calibration.ComputedResults
		if err := json.Unmarshal(results, &computed); err != nil {
			return nil, errors.Wrap(err, "calibration repo: decode results")
		}
		e.Results = &computed
	}
	return &e, nil
}

func (r *EventRepository) loadChildren(ctx context.Context, e *calibration.CalibrationEvent) error {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, point_index, direction, repetition, reference, indication, correction, unit
FROM calibration_readings
WHERE event_id = $1
ORDER BY position`, e.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var reading calibration.Reading
		var direction string
		if err := rows.Scan(&reading.ID, &reading.PointIndex, &direction, &reading.Repetition,
			&reading.Reference, &reading.Indication, &reading.Correction, &reading.Unit); err != nil {
			rows.Close()
			return err
		}
		reading.Direction = calibration.Direction(direction)
		e.Readings = append(e.Readings, reading)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `
SELECT id, trial_load, measurements
FROM calibration_repeatability_trials
WHERE event_id = $1
ORDER BY position`, e.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var trial calibration.RepeatabilityTrial
		var measurements []byte
		if err := rows.Scan(&trial.ID, &trial.Load, &measurements); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal(measurements, &trial.Measurements); err != nil {
			rows.Close()
			return errors.Wrap(err, "calibration repo: decode measurements")
		}
		e.Trials = append(e.Trials, trial)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.QueryContext(ctx, `
SELECT name, kind, value, distribution, divisor
FROM calibration_uncertainty_components
WHERE event_id = $1
ORDER BY position`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var c calibration.UncertaintyComponent
		var kind, distribution string
		var divisor decimal.NullDecimal
		if err := rows.Scan(&c.Name, &kind, &c.Value, &distribution, &divisor); err != nil {
			return err
		}
		c.Kind = calibration.ComponentKind(kind)
		c.Distribution = calibration.Distribution(distribution)
		if divisor.Valid {
			c.Divisor = divisor.Decimal
		}
		e.Components = append(e.Components, c)
	}
	return rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *calibration.CalibrationEvent) error {
	cols, err := encodeEvent(e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO calibration_events (`+eventColumns+`
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
	$21, $22, $23, $24, $25, $26, $27, $28, $29, $30
)`, cols...)
	if err != nil {
		return err
	}
	return insertChildren(ctx, tx, e)
}

func updateEvent(ctx context.Context, tx *sql.Tx, e *calibration.CalibrationEvent, expectedVersion int64) error {
	if e == nil {
		return calibration.ErrEventNotFound
	}
	next := *e
	next.Version = expectedVersion + 1
	cols, err := encodeEvent(&next)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
UPDATE calibration_events SET
	branch_id = $3, status = $4, version = $5, method_code = $6, verification_type = $7,
	decision_rule = $8, coverage_factor = $9, instrument = $10, environment = $11, standards = $12,
	eccentricity = $13, eccentricity_load = $14, links = $15, results = $16, operator = $17,
	created_by = $18, reviewed_by = $19, reviewed_at = $20, approved_by = $21, approved_at = $22,
	prefilled_from_id = $23, supersedes_id = $24, superseded_by_id = $25, certificate_id = $26,
	cancel_reason = $27, created_at = $28, updated_at = $29, cancelled_at = $30
WHERE id = $1 AND tenant_id = $2 AND version = $31`, append(cols, expectedVersion)...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM calibration_events WHERE id = $1 AND tenant_id = $2)`, e.ID, e.TenantID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return calibration.ErrEventNotFound
		}
		return errors.Wrapf(calibration.ErrConcurrentModification, "event %s expected version %d", e.ID, expectedVersion)
	}
	for _, table := range []string{"calibration_readings", "calibration_repeatability_trials", "calibration_uncertainty_components"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE event_id = $1`, e.ID); err != nil {
			return err
		}
	}
	return insertChildren(ctx, tx, e)
}

func insertChildren(ctx context.Context, tx *sql.Tx, e *calibration.CalibrationEvent) error {
	for i, reading := range e.Readings {
		_, err := tx.ExecContext(ctx, `
INSERT INTO calibration_readings (
	id, event_id, position, point_index, direction, repetition, reference, indication, correction, unit
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			reading.ID, e.ID, i, reading.PointIndex, string(reading.Direction), reading.Repetition,
			reading.Reference, reading.Indication, reading.Correction, reading.Unit)
		if err != nil {
			return err
		}
	}
	for i, trial := range e.Trials {
		measurements, err := json.Marshal(trial.Measurements)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO calibration_repeatability_trials (id, event_id, position, trial_load, measurements)
VALUES ($1, $2, $3, $4, $5)`, trial.ID, e.ID, i, trial.Load, measurements)
		if err != nil {
			return err
		}
	}
	for i, c := range e.Components {
		_, err := tx.ExecContext(ctx, `
INSERT INTO calibration_uncertainty_components (event_id, position, name, kind, value, distribution, divisor)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, e.ID, i, c.Name, string(c.Kind), c.Value, string(c.Distribution), nullDecimal(c.Divisor))
		if err != nil {
			return err
		}
	}
	return nil
}

func encodeEvent(e *calibration.CalibrationEvent) ([]any, error) {
	instrument, err := json.Marshal(e.Instrument)
	if err != nil {
		return nil, err
	}
	environment, err := json.Marshal(e.Environment)
	if err != nil {
		return nil, err
	}
	standards, err := json.Marshal(nonNil(e.Standards))
	if err != nil {
		return nil, err
	}
	ecc, err := json.Marshal(nonNil(e.Eccentricity))
	if err != nil {
		return nil, err
	}
	links, err := calibration.EncodeLinks(e.Links)
	if err != nil {
		return nil, err
	}
	var results any
	if e.Results != nil {
		raw, err := json.Marshal(e.Results)
		if err != nil {
			return nil, err
		}
		results = raw
	}
	return []any{
		e.ID, e.TenantID, e.BranchID, string(e.Status), e.Version, e.MethodCode, string(e.VerificationType),
		string(e.DecisionRule), nullDecimal(e.CoverageFactor), instrument, environment, standards,
		ecc, nullDecimal(e.EccentricityLoad), links, results, e.Operator, e.CreatedBy,
		e.ReviewedBy, nullTime(e.ReviewedAt), e.ApprovedBy, nullTime(e.ApprovedAt), e.PrefilledFromID,
		e.SupersedesID, e.SupersededByID, e.CertificateID, e.CancelReason,
		e.CreatedAt, e.UpdatedAt, nullTime(e.CancelledAt),
	}, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func decodeOptional(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func nullDecimal(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: !d.IsZero()}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func timeOrZero(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}
