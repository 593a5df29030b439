package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite implements cache storage using SQLite.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite cache storage.
// dsn is the data source name, e.g., "cache.db" or ":memory:".
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers from concurrent handlers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS entries (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			status INTEGER NOT NULL,
			header BLOB,
			body BLOB,
			stored_at INTEGER NOT NULL,
			PRIMARY KEY (namespace, key)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLite{db: db}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func openNamespace(ctx context.Context, db execer, namespace string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)",
		namespace, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("opening namespace %s: %w", namespace, err)
	}
	return nil
}

// Open creates the namespace if needed.
func (s *SQLite) Open(ctx context.Context, namespace string) error {
	return openNamespace(ctx, s.db, namespace)
}

// Namespaces lists namespace names in sorted order.
func (s *SQLite) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying namespaces: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return names, nil
}

// DeleteNamespace removes a namespace and its entries in one transaction.
func (s *SQLite) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", namespace); err != nil {
		return false, fmt.Errorf("deleting entries: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", namespace)
	if err != nil {
		return false, fmt.Errorf("deleting namespace: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}
	return n > 0, nil
}

// Match returns the entry stored under key.
func (s *SQLite) Match(ctx context.Context, namespace, key string) (*Entry, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, header, body, stored_at
		FROM entries WHERE namespace = ? AND key = ?
	`, namespace, key).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}

	entry := &Entry{
		Key:      key,
		Status:   status,
		Body:     body,
		StoredAt: time.Unix(0, storedAt),
	}
	if len(header) > 0 {
		var h http.Header
		if err := json.Unmarshal(header, &h); err != nil {
			return nil, fmt.Errorf("decoding header: %w", err)
		}
		entry.Header = h
	}
	return entry, nil
}

// Put stores an entry, overwriting any previous entry with the same key.
func (s *SQLite) Put(ctx context.Context, namespace string, entry *Entry) error {
	return s.PutAll(ctx, namespace, []*Entry{entry})
}

// PutAll stores all entries in a single transaction.
func (s *SQLite) PutAll(ctx context.Context, namespace string, entries []*Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := openNamespace(ctx, tx, namespace); err != nil {
		return err
	}
	now := time.Now()
	for _, entry := range entries {
		header, err := json.Marshal(entry.Header)
		if err != nil {
			return fmt.Errorf("encoding header: %w", err)
		}
		storedAt := entry.StoredAt
		if storedAt.IsZero() {
			storedAt = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entries (namespace, key, status, header, body, stored_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET
				status = excluded.status,
				header = excluded.header,
				body = excluded.body,
				stored_at = excluded.stored_at
		`, namespace, entry.Key, entry.Status, header, entry.Body, storedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("saving entry %s: %w", entry.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}
