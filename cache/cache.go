// Package cache provides a namespaced response cache keyed by request
// identity, with in-memory and SQLite implementations.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when a namespace has no entry for a key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is a stored response. Entries are replaced whole, never patched.
type Entry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Key:      e.Key,
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     append([]byte(nil), e.Body...),
		StoredAt: e.StoredAt,
	}
}

// Storage is the shared cache storage used by every worker instance.
type Storage interface {
	// Open creates the namespace if it does not exist yet.
	Open(ctx context.Context, namespace string) error

	// Namespaces lists namespace names in sorted order.
	Namespaces(ctx context.Context) ([]string, error)

	// DeleteNamespace removes a namespace with all of its entries.
	// It reports whether the namespace existed.
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)

	// Match returns the entry stored under key, or ErrNotFound.
	Match(ctx context.Context, namespace, key string) (*Entry, error)

	// Put stores an entry, overwriting any entry with the same key.
	Put(ctx context.Context, namespace string, entry *Entry) error

	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, namespace string, entries []*Entry) error

	// Close releases the storage.
	Close() error
}

// Key returns the request identity used as a cache key. Only GET requests
// have an identity; ok is false for any other method.
func Key(method, rawURL string) (key string, ok bool) {
	if method != "" && !strings.EqualFold(method, http.MethodGet) {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return http.MethodGet + " " + u.String(), true
}

// Purpose identifies which namespace of a version a request belongs to.
type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeAPI     Purpose = "api"
)

// Namespaces is the set of namespace names that are current for one version.
type Namespaces struct {
	Static  string
	Dynamic string
	API     string
}

// Names builds the namespace set for a prefix and version, e.g.
// "academgrad-static-v2".
func Names(prefix string, version int) Namespaces {
	return Namespaces{
		Static:  fmt.Sprintf("%s-%s-v%d", prefix, PurposeStatic, version),
		Dynamic: fmt.Sprintf("%s-%s-v%d", prefix, PurposeDynamic, version),
		API:     fmt.Sprintf("%s-%s-v%d", prefix, PurposeAPI, version),
	}
}

// For returns the namespace name for a purpose.
func (n Namespaces) For(p Purpose) string {
	switch p {
	case PurposeStatic:
		return n.Static
	case PurposeAPI:
		return n.API
	default:
		return n.Dynamic
	}
}

// All returns the three names in a fixed order.
func (n Namespaces) All() []string {
	return []string{n.Static, n.Dynamic, n.API}
}

// Contains reports whether name is one of the current namespaces.
func (n Namespaces) Contains(name string) bool {
	return name == n.Static || name == n.Dynamic || name == n.API
}
