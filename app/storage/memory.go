package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Medium. A positive capacity bounds the total size of keys and
// values in bytes, mirroring the quota of a browser-style local store.
type Memory struct {
	mu       sync.RWMutex
	values   map[string]string
	size     int
	capacity int
}

func NewMemory(capacity int) *Memory {
	return &Memory{
		values:   make(map[string]string),
		capacity: capacity,
	}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[key]
	return value, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newSize := m.size + len(key) + len(value)
	if old, ok := m.values[key]; ok {
		newSize -= len(key) + len(old)
	}

	if m.capacity > 0 && newSize > m.capacity {
		return ErrQuotaExceeded
	}

	m.values[key] = value
	m.size = newSize
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.values[key]; ok {
		m.size -= len(key) + len(old)
		delete(m.values, key)
	}
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Memory) Close() error {
	return nil
}
