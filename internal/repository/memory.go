package repository

import (
	"context"
	"sync"
)

// MemoryStore — потокобезопасное in-memory хранилище (тесты, эфемерные процессы).
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	lists  map[string][][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
		lists:  make(map[string][][]byte),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = cloneBytes(value)
	return nil
}

func (m *MemoryStore) GetList(_ context.Context, key string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneList(m.lists[key]), nil
}

func (m *MemoryStore) SetList(_ context.Context, key string, values [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(values) == 0 {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = cloneList(values)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.lists, key)
	return nil
}
