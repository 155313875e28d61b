package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"metrology-cloud/internal/calibration/application"
	calibration "metrology-cloud/internal/calibration/domain"
)

// EventRepository is an in-memory repository for demo/testing.
type EventRepository struct {
	mu           sync.RWMutex
	events       map[string]*calibration.CalibrationEvent
	certificates map[string]*calibration.Certificate
	byCode       map[string]string
	numbers      map[string]string
}

// NewEventRepository constructs a repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{
		events:       make(map[string]*calibration.CalibrationEvent),
		certificates: make(map[string]*calibration.Certificate),
		byCode:       make(map[string]string),
		numbers:      make(map[string]string),
	}
}

var _ application.EventRepository = (*EventRepository)(nil)

// Create stores a new event at version 1.
func (r *EventRepository) Create(ctx context.Context, e *calibration.CalibrationEvent) error {
	_ = ctx
	if e == nil || e.ID == "" {
		return calibration.ErrEventNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[e.ID]; ok {
		return errors.Wrap(calibration.ErrDuplicateEvent, e.ID)
	}
	e.Version = 1
	r.events[e.ID] = e.Clone()
	return nil
}

// Get loads an event owned by tenantID.
func (r *EventRepository) Get(ctx context.Context, tenantID, id string) (*calibration.CalibrationEvent, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.events[id]
	if stored == nil || stored.TenantID != tenantID {
		return nil, calibration.ErrEventNotFound
	}
	return stored.Clone(), nil
}

// List returns matching events, newest first.
func (r *EventRepository) List(ctx context.Context, filter application.ListFilter) ([]*calibration.CalibrationEvent, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*calibration.CalibrationEvent, 0)
	for _, e := range r.events {
		if e.TenantID != filter.TenantID {
			continue
		}
		if filter.BranchID != "" && e.BranchID != filter.BranchID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Update replaces an event when the stored version matches.
func (r *EventRepository) Update(ctx context.Context, e *calibration.CalibrationEvent, expectedVersion int64) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkVersion(e, expectedVersion); err != nil {
		return err
	}
	e.Version = expectedVersion + 1
	r.events[e.ID] = e.Clone()
	return nil
}

// Issue stores the certificate and the issued event together.
func (r *EventRepository) Issue(ctx context.Context, e *calibration.CalibrationEvent, expectedVersion int64, cert *calibration.Certificate) error {
	_ = ctx
	if cert == nil {
		return calibration.ErrCertificateNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkVersion(e, expectedVersion); err != nil {
		return err
	}
	if _, ok := r.certificates[e.ID]; ok {
		return errors.Wrap(calibration.ErrConcurrentModification, "certificate already issued")
	}
	numberKey := cert.TenantID + "/" + cert.BranchID + "/" + cert.Number
	if _, ok := r.numbers[numberKey]; ok {
		return errors.Wrapf(calibration.ErrConcurrentModification, "certificate number %s already used", cert.Number)
	}
	stored := *cert
	r.certificates[e.ID] = &stored
	r.byCode[cert.VerificationCode] = e.ID
	r.numbers[numberKey] = e.ID
	e.Version = expectedVersion + 1
	r.events[e.ID] = e.Clone()
	return nil
}

// Supersede stores the retired event and its revision together.
func (r *EventRepository) Supersede(ctx context.Context, old *calibration.CalibrationEvent, expectedVersion int64, revision *calibration.CalibrationEvent) error {
	_ = ctx
	if revision == nil {
		return calibration.ErrEventNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkVersion(old, expectedVersion); err != nil {
		return err
	}
	if _, ok := r.events[revision.ID]; ok {
		return errors.Wrap(calibration.ErrDuplicateEvent, revision.ID)
	}
	old.Version = expectedVersion + 1
	revision.Version = 1
	r.events[old.ID] = old.Clone()
	r.events[revision.ID] = revision.Clone()
	return nil
}

// GetCertificate loads the certificate of an event owned by tenantID.
func (r *EventRepository) GetCertificate(ctx context.Context, tenantID, eventID string) (*calibration.Certificate, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	cert := r.certificates[eventID]
	if cert == nil || cert.TenantID != tenantID {
		return nil, calibration.ErrCertificateNotFound
	}
	c := *cert
	return &c, nil
}

// FindCertificateByCode resolves a verification code across tenants.
func (r *EventRepository) FindCertificateByCode(ctx context.Context, code string) (*calibration.Certificate, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	eventID, ok := r.byCode[code]
	if !ok || code == "" {
		return nil, calibration.ErrCertificateNotFound
	}
	c := *r.certificates[eventID]
	return &c, nil
}

// Tamper overwrites a stored certificate; tests use it to simulate storage corruption.
func (r *EventRepository) Tamper(eventID string, fn func(*calibration.Certificate)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cert := r.certificates[eventID]; cert != nil {
		fn(cert)
	}
}

func (r *EventRepository) checkVersion(e *calibration.CalibrationEvent, expectedVersion int64) error {
	if e == nil {
		return calibration.ErrEventNotFound
	}
	stored := r.events[e.ID]
	if stored == nil || stored.TenantID != e.TenantID {
		return calibration.ErrEventNotFound
	}
	if stored.Version != expectedVersion {
		return errors.Wrapf(calibration.ErrConcurrentModification, "event %s at version %d, expected %d", e.ID, stored.Version, expectedVersion)
	}
	return nil
}
