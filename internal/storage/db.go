// Package storage owns the embedded per-actor SQLite store. Each actor is
// the single logical writer of its store, so the connection pool is pinned
// to one connection.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/sirupsen/logrus"
)

// Store is one actor's embedded SQLite database
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the store at dbPath. ":memory:" is accepted for
// tests; the single-connection pool keeps it coherent.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after ping error")
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// One actor, one writer. A second connection would also break
	// in-memory stores, which exist per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logrus.WithField("db_path", dbPath).Info("Opened actor store")
	return &Store{db: db, dbPath: dbPath}, nil
}

// DB exposes the underlying handle for the migrator and repositories
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path the store was opened with
func (s *Store) Path() string {
	return s.dbPath
}

// Snapshot writes a consistent copy of the store to destPath, which must
// not already exist. Used by the backup uploader.
func (s *Store) Snapshot(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}
