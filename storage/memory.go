package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements in-memory storage for testing and development.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record // by endpoint
}

// NewMemory creates a new in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*Record),
	}
}

// Save stores or updates a subscription.
func (m *Memory) Save(_ context.Context, record *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.records[record.Endpoint]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	} else {
		if record.ID == "" {
			record.ID = uuid.NewString()
		}
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
	}
	record.UpdatedAt = now

	// Copy to avoid external mutations.
	stored := *record
	m.records[record.Endpoint] = &stored
	return nil
}

// Get retrieves a subscription by ID.
func (m *Memory) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, record := range m.records {
		if record.ID == id {
			r := *record
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

// GetByEndpoint retrieves a subscription by its endpoint URL.
func (m *Memory) GetByEndpoint(_ context.Context, endpoint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[endpoint]
	if !ok {
		return nil, ErrNotFound
	}
	r := *record
	return &r, nil
}

// GetByUserID retrieves all subscriptions for a user.
func (m *Memory) GetByUserID(_ context.Context, userID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Record
	for _, record := range m.sortedLocked() {
		if record.UserID == userID {
			r := *record
			results = append(results, &r)
		}
	}
	return results, nil
}

// DeleteByEndpoint removes a subscription by its endpoint URL.
func (m *Memory) DeleteByEndpoint(_ context.Context, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[endpoint]; !ok {
		return ErrNotFound
	}
	delete(m.records, endpoint)
	return nil
}

// List returns all subscriptions with pagination.
func (m *Memory) List(_ context.Context, limit, offset int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedLocked()
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))

	results := make([]*Record, 0, end-offset)
	for _, record := range all[offset:end] {
		r := *record
		results = append(results, &r)
	}
	return results, nil
}

// sortedLocked orders records newest first, like the SQLite backend.
func (m *Memory) sortedLocked() []*Record {
	all := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		all = append(all, record)
	}
	slices.SortFunc(all, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return all
}

// Close is a no-op for in-memory storage.
func (m *Memory) Close() error {
	return nil
}
