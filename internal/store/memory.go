package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps histories in a map. It is safe for concurrent use.
type Memory[R any] struct {
	mu   sync.RWMutex
	data map[string][]R
}

var _ Store[int] = (*Memory[int])(nil)

func NewMemory[R any]() *Memory[R] {
	return &Memory[R]{data: make(map[string][]R)}
}

func (m *Memory[R]) Get(_ context.Context, capsuleID string) ([]R, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records, ok := m.data[capsuleID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]R(nil), records...), nil
}

func (m *Memory[R]) Put(_ context.Context, capsuleID string, records []R) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[capsuleID] = append([]R{}, records...)
	return nil
}

func (m *Memory[R]) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
