package application

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HistoryEntry is one integration event published for a calibration event.
type HistoryEntry struct {
	Type          string          `json:"type"`
	Delivery      string          `json:"delivery"`
	Attempts      int             `json:"attempts"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// History lists the integration events published for an event, oldest
// first, with their outbox delivery state.
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	entries := []HistoryEntry{}
	if s.eventLog == nil {
		return entries, nil
	}
	records, err := s.eventLog.ListByAggregate(ctx, e.TenantID, e.ID)
	if err != nil {
		return nil, errors.Wrap(err, "calibration: read history")
	}
	for _, r := range records {
		env := r.Envelope
		entries = append(entries, HistoryEntry{
			Type:          env.EventType[strings.LastIndex(env.EventType, ".")+1:],
			Delivery:      r.Status,
			Attempts:      r.Attempts,
			CorrelationID: env.CorrelationID,
			OccurredAt:    env.OccurredAt,
			Payload:       env.Payload,
		})
	}
	return entries, nil
}
