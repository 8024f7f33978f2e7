package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryWindowStore keeps windows in process. Used by tests and single-node
// development setups.
type MemoryWindowStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{windows: make(map[string]Window)}
}

func (m *MemoryWindowStore) Hit(_ context.Context, id string, limit int, length time.Duration, now time.Time) (Window, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[id]
	if !ok || now.Sub(w.Start) >= length {
		w = Window{Count: 1, Start: now}
		m.windows[id] = w
		return w, true, nil
	}
	if w.Count >= limit {
		return w, false, nil
	}
	w.Count++
	m.windows[id] = w
	return w, true, nil
}
