// Package storage persists push channel subscriptions, keyed by endpoint.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/imjasonh/offlinefirst/webpush"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Record is a stored subscription. The endpoint identifies the browser's
// push channel and is unique across records.
type Record struct {
	ID       string       `json:"id"`
	Endpoint string       `json:"endpoint"`
	Keys     webpush.Keys `json:"keys"`
	// UserID is empty for anonymous subscriptions.
	UserID    string    `json:"user_id,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription returns the record as a sendable subscription.
func (r *Record) Subscription() *webpush.Subscription {
	return &webpush.Subscription{Endpoint: r.Endpoint, Keys: r.Keys}
}

// Storage defines the interface for storing web push subscriptions.
type Storage interface {
	// Save inserts the record, or updates the record with the same
	// endpoint. An existing record keeps its ID and CreatedAt, which are
	// written back into record.
	Save(ctx context.Context, record *Record) error

	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (*Record, error)

	// GetByEndpoint retrieves a subscription by its endpoint URL.
	GetByEndpoint(ctx context.Context, endpoint string) (*Record, error)

	// GetByUserID retrieves all subscriptions for a user. An empty userID
	// selects anonymous subscriptions.
	GetByUserID(ctx context.Context, userID string) ([]*Record, error)

	// DeleteByEndpoint removes a subscription by its endpoint URL.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// List returns subscriptions, newest first, with pagination.
	List(ctx context.Context, limit, offset int) ([]*Record, error)

	// Close closes the storage connection.
	Close() error
}
