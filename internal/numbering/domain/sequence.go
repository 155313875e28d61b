package numbering

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidKey is returned when a sequence key is incomplete.
	ErrInvalidKey = errors.New("numbering: invalid key")
	// ErrContention is returned by stores when an increment lost a race and may be retried.
	ErrContention = errors.New("numbering: contention")
	// ErrAllocatorExhausted is returned when retries are used up.
	ErrAllocatorExhausted = errors.New("numbering: allocator exhausted")
)

// Entity names for numbered documents.
const (
	EntityCertificate = "certificate"
	EntityWorkOrder   = "work_order"
	EntityQuote       = "quote"
	EntityEquipment   = "equipment"
)

// Key scopes a sequence. BranchID may be empty for tenant-wide sequences.
type Key struct {
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id"`
	Entity   string `json:"entity"`
}

// Validate checks the key is usable.
func (k Key) Validate() error {
	if k.TenantID == "" || k.Entity == "" {
		return ErrInvalidKey
	}
	return nil
}

func (k Key) String() string {
	return k.TenantID + "/" + k.BranchID + "/" + k.Entity
}

// Format controls how a number is rendered.
type Format struct {
	Prefix  string `json:"prefix" yaml:"prefix"`
	Padding int    `json:"padding" yaml:"padding"`
}

// DefaultPadding is used when a format sets none.
const DefaultPadding = 6

// Render formats n with the prefix and zero padding.
func (f Format) Render(n int64) string {
	padding := f.Padding
	if padding <= 0 {
		padding = DefaultPadding
	}
	return fmt.Sprintf("%s%0*d", f.Prefix, padding, n)
}

// Allocation is one number handed out by the allocator.
type Allocation struct {
	Key         Key       `json:"key"`
	Number      int64     `json:"number"`
	Prefix      string    `json:"prefix"`
	Formatted   string    `json:"formatted"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Gap records an allocated number that was never used.
type Gap struct {
	Key        Key
	Number     int64
	Formatted  string
	Reason     string
	RecordedAt time.Time
}
