package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	numbering "metrology-cloud/internal/numbering/domain"
	"metrology-cloud/internal/numbering/infrastructure/memory"
)

var certKey = numbering.Key{TenantID: "tenant-a", BranchID: "branch-1", Entity: numbering.EntityCertificate}

type contendedStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	next     int64
	gaps     []numbering.Gap
}

func (s *contendedStore) Increment(context.Context, numbering.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return 0, numbering.ErrContention
	}
	s.next++
	return s.next, nil
}

func (s *contendedStore) RecordGap(_ context.Context, gap numbering.Gap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, gap)
	return nil
}

func TestAllocator_ConcurrentNumbersAreDistinctAndContiguous(t *testing.T) {
	allocator, err := NewAllocator(memory.NewSequenceStore(), StaticFormats{Prefix: "CERT-"})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	const workers = 1000
	numbers := make(chan int64, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alloc, err := allocator.Next(context.Background(), certKey)
			if err != nil {
				errs <- err
				return
			}
			numbers <- alloc.Number
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		t.Fatalf("next: %v", err)
	}
	seen := make(map[int64]bool, workers)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate number %d", n)
		}
		seen[n] = true
	}
	for n := int64(1); n <= workers; n++ {
		if !seen[n] {
			t.Fatalf("missing number %d", n)
		}
	}
}

func TestAllocator_KeysAreIndependent(t *testing.T) {
	allocator, err := NewAllocator(memory.NewSequenceStore(), nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	other := certKey
	other.BranchID = "branch-2"
	for _, key := range []numbering.Key{certKey, other, certKey} {
		if _, err := allocator.Next(context.Background(), key); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	alloc, err := allocator.Next(context.Background(), other)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if alloc.Number != 2 {
		t.Fatalf("expected branch-2 at 2, got %d", alloc.Number)
	}
}

func TestAllocator_Formatting(t *testing.T) {
	allocator, err := NewAllocator(memory.NewSequenceStore(), StaticFormats{Prefix: "LAB-2026-", Padding: 4})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	alloc, err := allocator.Next(context.Background(), certKey)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if alloc.Formatted != "LAB-2026-0001" || alloc.Prefix != "LAB-2026-" {
		t.Fatalf("unexpected formatting %q", alloc.Formatted)
	}
	if got := (numbering.Format{Prefix: "X"}).Render(1234567); got != "X1234567" {
		t.Fatalf("padding must not truncate, got %q", got)
	}
}

func TestAllocator_RetriesContention(t *testing.T) {
	store := &contendedStore{failures: 2}
	allocator, err := NewAllocator(store, nil, WithBackoff(0))
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	alloc, err := allocator.Next(context.Background(), certKey)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if alloc.Number != 1 || store.calls != 3 {
		t.Fatalf("expected success on third attempt, got number %d after %d calls", alloc.Number, store.calls)
	}
}

func TestAllocator_Exhausted(t *testing.T) {
	store := &contendedStore{failures: -1}
	allocator, err := NewAllocator(store, nil, WithBackoff(0), WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	if _, err := allocator.Next(context.Background(), certKey); !errors.Is(err, numbering.ErrAllocatorExhausted) {
		t.Fatalf("expected ErrAllocatorExhausted, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.calls)
	}
}

func TestAllocator_HonorsContextDuringBackoff(t *testing.T) {
	store := &contendedStore{failures: -1}
	allocator, err := NewAllocator(store, nil, WithBackoff(time.Second))
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := allocator.Next(ctx, certKey); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAllocator_InvalidKey(t *testing.T) {
	allocator, err := NewAllocator(memory.NewSequenceStore(), nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	if _, err := allocator.Next(context.Background(), numbering.Key{Entity: "quote"}); !errors.Is(err, numbering.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAllocator_ReleaseRecordsGapWithoutReuse(t *testing.T) {
	store := memory.NewSequenceStore()
	allocator, err := NewAllocator(store, StaticFormats{Prefix: "CERT-"})
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	first, err := allocator.Next(context.Background(), certKey)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := allocator.Release(context.Background(), first, "issue failed"); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := allocator.Next(context.Background(), certKey)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if second.Number != 2 {
		t.Fatalf("released numbers must not be reissued, got %d", second.Number)
	}
	gaps := store.Gaps(certKey)
	if len(gaps) != 1 || gaps[0].Formatted != "CERT-000001" || gaps[0].Reason != "issue failed" {
		t.Fatalf("unexpected gaps: %+v", gaps)
	}
}
