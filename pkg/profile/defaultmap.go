package profile

import (
	"sync"

	"golang.org/x/exp/constraints"
)

// DefaultMap lazily creates values on first access.
type DefaultMap[K constraints.Ordered, V any] struct {
	init func(K) *V

	mu sync.RWMutex
	m  map[K]*V
}

func NewDefaultMap[K constraints.Ordered, V any](init func(K) *V) *DefaultMap[K, V] {
	return &DefaultMap[K, V]{
		init: init,
		m:    make(map[K]*V),
	}
}

func (m *DefaultMap[K, V]) Get(key K) *V {
	m.mu.RLock()
	value, ok := m.m[key]
	m.mu.RUnlock()

	if ok {
		return value
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok = m.m[key]; ok {
		return value
	}
	value = m.init(key)
	m.m[key] = value
	return value
}

func (m *DefaultMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

func (m *DefaultMap[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m = make(map[K]*V)
}
