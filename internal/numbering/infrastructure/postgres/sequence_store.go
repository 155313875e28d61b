package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	numbering "metrology-cloud/internal/numbering/domain"
	pgplatform "metrology-cloud/internal/platform/postgres"
)

// SequenceStore keeps counters in numbering_sequences.
type SequenceStore struct {
	db *sql.DB
}

// NewSequenceStore constructs a store.
func NewSequenceStore(db *sql.DB) *SequenceStore {
	return &SequenceStore{db: db}
}

// Increment claims the next value for key in one statement.
// The upsert takes a row lock so concurrent callers serialize on the key.
func (s *SequenceStore) Increment(ctx context.Context, key numbering.Key) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sequence store: nil db")
	}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	var claimed int64
	err := s.db.QueryRowContext(ctx, `
INSERT INTO numbering_sequences (tenant_id, branch_id, entity, next_number, updated_at)
VALUES ($1, $2, $3, 2, NOW())
ON CONFLICT (tenant_id, branch_id, entity)
DO UPDATE SET next_number = numbering_sequences.next_number + 1, updated_at = NOW()
RETURNING next_number - 1`, key.TenantID, key.BranchID, key.Entity).Scan(&claimed)
	if err != nil {
		if pgplatform.IsRetryable(err) {
			return 0, fmt.Errorf("%w: %v", numbering.ErrContention, err)
		}
		return 0, err
	}
	return claimed, nil
}

// RecordGap stores a released number.
func (s *SequenceStore) RecordGap(ctx context.Context, gap numbering.Gap) error {
	if s == nil || s.db == nil {
		return errors.New("sequence store: nil db")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO numbering_gaps (tenant_id, branch_id, entity, number, formatted, reason, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, branch_id, entity, number) DO NOTHING`,
		gap.Key.TenantID, gap.Key.BranchID, gap.Key.Entity, gap.Number, gap.Formatted, gap.Reason, gap.RecordedAt)
	return err
}

// Gaps lists recorded gaps for key.
func (s *SequenceStore) Gaps(ctx context.Context, key numbering.Key) ([]numbering.Gap, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sequence store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT number, formatted, reason, recorded_at
FROM numbering_gaps
WHERE tenant_id = $1 AND branch_id = $2 AND entity = $3
ORDER BY number`, key.TenantID, key.BranchID, key.Entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []numbering.Gap
	for rows.Next() {
		gap := numbering.Gap{Key: key}
		if err := rows.Scan(&gap.Number, &gap.Formatted, &gap.Reason, &gap.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, gap)
	}
	return out, rows.Err()
}
