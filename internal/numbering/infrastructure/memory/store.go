package memory

import (
	"context"
	"sync"
	"sync/atomic"

	numbering "metrology-cloud/internal/numbering/domain"
)

// SequenceStore keeps counters in process memory.
type SequenceStore struct {
	counters sync.Map

	mu   sync.RWMutex
	gaps []numbering.Gap
}

// NewSequenceStore constructs an empty store.
func NewSequenceStore() *SequenceStore {
	return &SequenceStore{}
}

// Increment claims the next value for key, starting at 1.
func (s *SequenceStore) Increment(ctx context.Context, key numbering.Key) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := key.Validate(); err != nil {
		return 0, err
	}
	counter, _ := s.counters.LoadOrStore(key, new(atomic.Int64))
	return counter.(*atomic.Int64).Add(1), nil
}

// RecordGap stores a released number.
func (s *SequenceStore) RecordGap(ctx context.Context, gap numbering.Gap) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, gap)
	return nil
}

// Gaps returns the recorded gaps for key.
func (s *SequenceStore) Gaps(key numbering.Key) []numbering.Gap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]numbering.Gap, 0)
	for _, gap := range s.gaps {
		if gap.Key == key {
			out = append(out, gap)
		}
	}
	return out
}

// Current returns the last claimed value for key.
func (s *SequenceStore) Current(key numbering.Key) int64 {
	counter, ok := s.counters.Load(key)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int64).Load()
}
