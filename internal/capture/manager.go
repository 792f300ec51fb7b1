package capture

import (
	"context"
	"sync"
)

// Manager enforces the single active camera handle. Acquiring a stream
// releases any previously held stream first.
type Manager struct {
	mu     sync.Mutex
	active Source
}

func NewManager() *Manager {
	return &Manager{}
}

// Acquire releases the current stream, if any, then starts src.
func (m *Manager) Acquire(ctx context.Context, src Source) (<-chan Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		m.active.Stop()
		m.active = nil
	}
	frames, err := src.Start(ctx)
	if err != nil {
		return nil, err
	}
	m.active = src
	return frames, nil
}

// Release stops the active stream. Safe to call when nothing is held.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Stop()
		m.active = nil
	}
}
