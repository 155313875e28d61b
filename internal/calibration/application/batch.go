package application

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	calibration "metrology-cloud/internal/calibration/domain"
)

// BatchResult is the outcome for one event of a batch call.
type BatchResult struct {
	EventID     string                        `json:"event_id"`
	Status      calibration.Status            `json:"status,omitempty"`
	Certificate string                        `json:"certificate_number,omitempty"`
	Reason      calibration.BlockReason       `json:"reason,omitempty"`
	Error       string                        `json:"error,omitempty"`
	Err         error                         `json:"-"`
	Event       *calibration.CalibrationEvent `json:"-"`
}

// OK reports whether the item succeeded.
func (r BatchResult) OK() bool {
	return r.Err == nil
}

// ComputeBatch computes each event independently. One failure does not stop
// the others. Results keep the order of ids.
func (s *Service) ComputeBatch(ctx context.Context, ids []string) []BatchResult {
	return s.runBatch(ctx, ids, func(ctx context.Context, id string) BatchResult {
		e, err := s.Compute(ctx, id)
		if err != nil {
			return failed(id, err)
		}
		return BatchResult{EventID: id, Status: e.Status, Event: e}
	})
}

// IssueBatch issues each approved event independently. Numbers are allocated
// per event, so a failed item leaves at most one recorded gap.
func (s *Service) IssueBatch(ctx context.Context, ids []string) []BatchResult {
	return s.runBatch(ctx, ids, func(ctx context.Context, id string) BatchResult {
		cert, err := s.Issue(ctx, id)
		if err != nil {
			return failed(id, err)
		}
		return BatchResult{EventID: id, Status: calibration.StatusIssued, Certificate: cert.Number}
	})
}

func (s *Service) runBatch(ctx context.Context, ids []string, fn func(context.Context, string) BatchResult) []BatchResult {
	results := make([]BatchResult, len(ids))
	var g errgroup.Group
	g.SetLimit(s.batch)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = failed(id, err)
				return nil
			}
			results[i] = fn(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func failed(id string, err error) BatchResult {
	result := BatchResult{EventID: id, Error: err.Error(), Err: err}
	var te *calibration.TransitionError
	if errors.As(err, &te) {
		result.Reason = te.Reason
		result.Status = te.From
	}
	return result
}
