package app

import (
	"context"
	"sort"
	"sync"
)

// MemoryManager keeps apps in process memory. Used when apps come from the config file.
type MemoryManager struct {
	mu    sync.RWMutex
	byID  map[string]App
	keyID map[string]string
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		byID:  make(map[string]App),
		keyID: make(map[string]string),
	}
}

func (m *MemoryManager) FindByID(_ context.Context, id string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, ErrAppNotFound
	}
	return &a, nil
}

func (m *MemoryManager) FindByKey(_ context.Context, key string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keyID[key]
	if !ok {
		return nil, ErrAppNotFound
	}
	a := m.byID[id]
	return &a, nil
}

func (m *MemoryManager) Create(_ context.Context, a App) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; ok {
		return ErrAppExists
	}
	if _, ok := m.keyID[a.Key]; ok {
		return ErrAppExists
	}
	m.byID[a.ID] = a
	m.keyID[a.Key] = a.ID
	return nil
}

func (m *MemoryManager) Update(_ context.Context, a App) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.byID[a.ID]
	if !ok {
		return ErrAppNotFound
	}
	if owner, taken := m.keyID[a.Key]; taken && owner != a.ID {
		return ErrAppExists
	}
	delete(m.keyID, old.Key)
	m.byID[a.ID] = a
	m.keyID[a.Key] = a.ID
	return nil
}

func (m *MemoryManager) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return ErrAppNotFound
	}
	delete(m.byID, id)
	delete(m.keyID, a.Key)
	return nil
}

func (m *MemoryManager) List(_ context.Context) ([]App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	apps := make([]App, 0, len(m.byID))
	for _, a := range m.byID {
		apps = append(apps, a)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps, nil
}

func (m *MemoryManager) Close(context.Context) error {
	return nil
}
