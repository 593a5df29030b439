// Package kv provides a durable string-keyed blob store.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no blob.
var ErrNotFound = errors.New("key not found")

// Store persists opaque blobs under string keys.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set replaces the blob stored under key.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes the blob. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases the store.
	Close() error
}

// Memory implements an in-memory store for testing and development.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Get returns a copy of the blob stored under key.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes the blob.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}
