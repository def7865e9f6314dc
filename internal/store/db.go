// Package store implements the workspace persistence layer: a migrated
// SQLite schema holding projects, epics, stories, tasks, dependencies,
// jobs, runs, and token usage. All multi-statement writes go through
// transactions and a single writer per workspace.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bekirdag/mcoda/internal/errs"
)

// Store is the workspace database handle.
type Store struct {
	db   *sql.DB
	path string

	// Serializes write transactions; SQLite allows one writer at a time
	// and busy_timeout alone makes contention ordering nondeterministic.
	writeMu sync.Mutex
}

// Open opens (creating if needed) the workspace database at path and runs
// all pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to create database directory")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to open workspace database").
			WithHint("check that the workspace directory is writable")
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for sibling services (telemetry ledger)
// that share the workspace database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx executes fn inside a BEGIN/COMMIT block, rolling back on error.
func (s *Store) WithTx(fn func(*sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to commit transaction")
	}
	return nil
}

// Timestamps are stored as RFC3339 text in UTC.

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
