package application

import (
	"context"
	"time"

	calibration "metrology-cloud/internal/calibration/domain"
	numbering "metrology-cloud/internal/numbering/domain"
)

// EventRepository persists calibration events and their certificates.
// Update, Issue and Supersede fail with calibration.ErrConcurrentModification
// when the stored version differs from expectedVersion; on success the
// event's Version is advanced.
type EventRepository interface {
	Create(ctx context.Context, e *calibration.CalibrationEvent) error
	Get(ctx context.Context, tenantID, id string) (*calibration.CalibrationEvent, error)
	List(ctx context.Context, filter ListFilter) ([]*calibration.CalibrationEvent, error)
	Update(ctx context.Context, e *calibration.CalibrationEvent, expectedVersion int64) error
	Issue(ctx context.Context, e *calibration.CalibrationEvent, expectedVersion int64, cert *calibration.Certificate) error
	Supersede(ctx context.Context, old *calibration.CalibrationEvent, expectedVersion int64, revision *calibration.CalibrationEvent) error
	GetCertificate(ctx context.Context, tenantID, eventID string) (*calibration.Certificate, error)
	FindCertificateByCode(ctx context.Context, code string) (*calibration.Certificate, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	TenantID string
	BranchID string
	Status   calibration.Status
	Limit    int
}

// NumberAllocator hands out certificate numbers.
type NumberAllocator interface {
	Next(ctx context.Context, key numbering.Key) (numbering.Allocation, error)
	Release(ctx context.Context, alloc numbering.Allocation, reason string) error
}

// EventPublisher publishes integration events.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// PolicyProvider resolves the tenant calibration policy.
type PolicyProvider interface {
	Policy(tenantID string) (calibration.Policy, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
