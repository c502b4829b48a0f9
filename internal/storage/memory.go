package storage

import (
	"strings"
	"sync"
)

// Memory is an in-memory Store with an optional byte quota and
// injectable write failures. It is the default backend for tests and
// single-process runs.
type Memory struct {
	mu       sync.Mutex
	data     map[string]string
	quota    int
	failNext int
}

// NewMemory creates a Memory store. quota <= 0 means unlimited.
func NewMemory(quota int) *Memory {
	return &Memory{
		data:  map[string]string{},
		quota: quota,
	}
}

// FailWrites makes the next n Set calls fail with ErrUnavailable.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return ErrUnavailable
	}
	if m.quota > 0 {
		size := len(key) + len(value)
		for k, v := range m.data {
			if k == key {
				continue
			}
			size += len(k) + len(v)
		}
		if size > m.quota {
			return ErrQuotaExceeded
		}
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string]string{}
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
