package audit

import (
	"context"
	"sync"
)

// MemoryLogger keeps audit entries in memory.
type MemoryLogger struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLogger constructs an empty logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

// Log appends an entry.
func (l *MemoryLogger) Log(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, normalize(entry))
	return nil
}

// Entries returns a copy of the recorded entries.
func (l *MemoryLogger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Actions returns the recorded actions in order.
func (l *MemoryLogger) Actions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry.Action)
	}
	return out
}
