package eventing

import (
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownEventType is returned for an envelope whose type was never registered.
var ErrUnknownEventType = errors.New("eventing: unknown event type")

// Registry turns outbox payloads back into the event values that were published.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register adds the types of samples under their EventType name. Pointer
// samples register the element type.
func (r *Registry) Register(samples ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sample := range samples {
		if sample == nil {
			continue
		}
		t := reflect.TypeOf(sample)
		for t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		r.types[t.String()] = t
	}
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodePayload returns the event value carried by env.
func (r *Registry) DecodePayload(env Envelope) (any, error) {
	if r == nil {
		return nil, errors.New("eventing: nil registry")
	}
	r.mu.RLock()
	t, ok := r.types[env.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrUnknownEventType, env.EventType)
	}
	target := reflect.New(t)
	if err := json.Unmarshal(env.Payload, target.Interface()); err != nil {
		return nil, errors.Wrapf(err, "eventing: decode %s", env.EventType)
	}
	return target.Elem().Interface(), nil
}
