package storage

import (
	"sort"
	"strings"
	"sync"
)

// Memory is the in-process Backend used by tests and single-node
// development. Writes copy their values so callers cannot alias the store.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.data[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	v, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) keysWithPrefix(prefix string) []string {
	m.mu.RLock()
	keys := make([]string, 0, 16)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (m *Memory) Scan(prefix string, fn func(key string, value []byte) (bool, error)) error {
	for _, k := range m.keysWithPrefix(prefix) {
		v, err := m.Get(k)
		if err != nil {
			// Deleted mid-scan; skip.
			continue
		}
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *Memory) ScanReverse(prefix string, fn func(key string, value []byte) (bool, error)) error {
	keys := m.keysWithPrefix(prefix)
	for i := len(keys) - 1; i >= 0; i-- {
		v, err := m.Get(keys[i])
		if err != nil {
			continue
		}
		cont, err := fn(keys[i], v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
