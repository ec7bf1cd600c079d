package audit

import (
	"context"
	"sync"
)

// Memory keeps the most recent entries in a ring buffer. It serves as the
// audit store when no database is configured.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewMemory creates a ring holding up to capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Memory{entries: make([]Entry, capacity)}
}

func (m *Memory) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

// List returns entries newest first.
func (m *Memory) List(_ context.Context, offset, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	offset = max(offset, 0)

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.entries)
	}
	out := make([]Entry, 0, min(limit, max(n-offset, 0)))
	for i := offset; i < n && len(out) < limit; i++ {
		idx := (m.next - 1 - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.entries)
	}
	return m.next
}
