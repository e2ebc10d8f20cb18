package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/jpalmerr/pingstream/check"
)

// MemoryStore is a [Store] that keeps targets in process memory. Targets do
// not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	targets map[check.TargetID]check.Target
	unique  bool
}

// NewMemoryStore creates an empty [MemoryStore]. When unique is true, Save
// rejects a URL that is already stored.
func NewMemoryStore(unique bool) *MemoryStore {
	return &MemoryStore{
		targets: make(map[check.TargetID]check.Target),
		unique:  unique,
	}
}

// Save stores target, replacing any target with the same ID.
func (m *MemoryStore) Save(_ context.Context, target check.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unique {
		for id, t := range m.targets {
			if id != target.ID && t.URL == target.URL {
				return fmt.Errorf("%w: %s", ErrDuplicateTarget, target.URL)
			}
		}
	}
	m.targets[target.ID] = target
	return nil
}

// LoadAll returns every stored target. Order is not guaranteed.
func (m *MemoryStore) LoadAll(_ context.Context) ([]check.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]check.Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out, nil
}

// Delete removes the target with id.
func (m *MemoryStore) Delete(_ context.Context, id check.TargetID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.targets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, id)
	}
	delete(m.targets, id)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
