package application

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	numbering "metrology-cloud/internal/numbering/domain"
	"metrology-cloud/internal/observability/metrics"
)

// SequenceStore persists per-key counters.
type SequenceStore interface {
	// Increment atomically advances the counter for key and returns the claimed value.
	// It returns numbering.ErrContention when the caller may retry.
	Increment(ctx context.Context, key numbering.Key) (int64, error)
	RecordGap(ctx context.Context, gap numbering.Gap) error
}

// FormatResolver returns the rendering format for a key.
type FormatResolver interface {
	Format(key numbering.Key) numbering.Format
}

// StaticFormats resolves every key to one format.
type StaticFormats numbering.Format

// Format implements FormatResolver.
func (s StaticFormats) Format(numbering.Key) numbering.Format {
	return numbering.Format(s)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 10 * time.Millisecond
	maxBackoff         = 200 * time.Millisecond
)

// Allocator hands out unique, strictly increasing numbers per key. Numbers
// lost after allocation are recorded as gaps through Release.
type Allocator struct {
	store       SequenceStore
	formats     FormatResolver
	logger      logrus.FieldLogger
	clock       Clock
	maxAttempts int
	backoff     time.Duration
}

// AllocatorOption customizes the allocator.
type AllocatorOption func(*Allocator)

// WithLogger assigns a logger.
func WithLogger(logger logrus.FieldLogger) AllocatorOption {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) AllocatorOption {
	return func(a *Allocator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithMaxAttempts bounds contention retries.
func WithMaxAttempts(n int) AllocatorOption {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// WithBackoff sets the initial retry backoff. Zero disables sleeping.
func WithBackoff(d time.Duration) AllocatorOption {
	return func(a *Allocator) {
		if d >= 0 {
			a.backoff = d
		}
	}
}

// NewAllocator constructs an allocator.
func NewAllocator(store SequenceStore, formats FormatResolver, opts ...AllocatorOption) (*Allocator, error) {
	if store == nil {
		return nil, errors.New("numbering: nil store")
	}
	if formats == nil {
		formats = StaticFormats{}
	}
	allocator := &Allocator{
		store:       store,
		formats:     formats,
		logger:      logrus.StandardLogger(),
		clock:       systemClock{},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(allocator)
		}
	}
	return allocator, nil
}

// Next claims the next number for key.
func (a *Allocator) Next(ctx context.Context, key numbering.Key) (alloc numbering.Allocation, err error) {
	start := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		metrics.ObserveAllocation(key.Entity, result, time.Since(start))
	}()

	if err := key.Validate(); err != nil {
		return numbering.Allocation{}, err
	}

	wait := a.backoff
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		n, err := a.store.Increment(ctx, key)
		if err == nil {
			format := a.formats.Format(key)
			return numbering.Allocation{
				Key:         key,
				Number:      n,
				Prefix:      format.Prefix,
				Formatted:   format.Render(n),
				AllocatedAt: a.clock.Now(),
			}, nil
		}
		if !errors.Is(err, numbering.ErrContention) {
			return numbering.Allocation{}, err
		}
		metrics.IncAllocationRetry(key.Entity)
		a.logger.WithFields(logrus.Fields{
			"key":     key.String(),
			"attempt": attempt,
		}).Debug("numbering contention, retrying")
		if attempt == a.maxAttempts {
			break
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return numbering.Allocation{}, ctx.Err()
			case <-timer.C:
			}
			wait *= 2
			if wait > maxBackoff {
				wait = maxBackoff
			}
		}
	}
	a.logger.WithField("key", key.String()).Warn("numbering allocator exhausted")
	return numbering.Allocation{}, numbering.ErrAllocatorExhausted
}

// Release records an allocated number that will never be used.
// Numbers are never reissued.
func (a *Allocator) Release(ctx context.Context, alloc numbering.Allocation, reason string) error {
	if err := alloc.Key.Validate(); err != nil {
		return err
	}
	gap := numbering.Gap{
		Key:        alloc.Key,
		Number:     alloc.Number,
		Formatted:  alloc.Formatted,
		Reason:     reason,
		RecordedAt: a.clock.Now(),
	}
	if err := a.store.RecordGap(ctx, gap); err != nil {
		return err
	}
	metrics.IncNumberingGap(alloc.Key.Entity)
	a.logger.WithFields(logrus.Fields{
		"key":    alloc.Key.String(),
		"number": alloc.Formatted,
		"reason": reason,
	}).Warn("numbering gap recorded")
	return nil
}
