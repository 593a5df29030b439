package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory implements in-memory cache storage for testing and development.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*Entry
}

// NewMemory creates a new in-memory cache storage.
func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[string]map[string]*Entry),
	}
}

// Open creates the namespace if needed.
func (m *Memory) Open(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; !ok {
		m.namespaces[namespace] = make(map[string]*Entry)
	}
	return nil
}

// Namespaces lists namespace names in sorted order.
func (m *Memory) Namespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteNamespace removes a namespace.
func (m *Memory) DeleteNamespace(_ context.Context, namespace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.namespaces[namespace]; !ok {
		return false, nil
	}
	delete(m.namespaces, namespace)
	return true, nil
}

// Match returns a copy of the entry stored under key.
func (m *Memory) Match(_ context.Context, namespace, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.namespaces[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

// Put stores a copy of the entry, creating the namespace if needed.
func (m *Memory) Put(_ context.Context, namespace string, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(namespace, entry)
	return nil
}

// PutAll stores every entry under a single lock.
func (m *Memory) PutAll(_ context.Context, namespace string, entries []*Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range entries {
		m.putLocked(namespace, entry)
	}
	return nil
}

func (m *Memory) putLocked(namespace string, entry *Entry) {
	ns, ok := m.namespaces[namespace]
	if !ok {
		ns = make(map[string]*Entry)
		m.namespaces[namespace] = ns
	}
	stored := entry.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	ns[entry.Key] = stored
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}
