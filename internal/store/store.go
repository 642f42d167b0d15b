// Package store is the relay's durable state: the registered
// destination set with per-destination offsets, and the caption index
// used for content-addressed deletion.
//
// SQLite with WAL mode; a single writer connection serializes all
// mutations, so a record append or removal is always a whole unit on
// disk. Both identities' bookkeeping survives process restarts.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
const currentSchemaVersion = 0

// DefaultCaptionCap bounds the per-destination caption index; the
// oldest records beyond the cap are evicted on append.
const DefaultCaptionCap = 500

// Store provides durable storage for the relay.
type Store struct {
	db         *sql.DB
	captionCap int
}

// Option configures a Store.
type Option func(*Store)

// WithCaptionCap overrides the per-destination caption index cap.
// Values below 1 are ignored.
func WithCaptionCap(n int) Option {
	return func(s *Store) {
		if n >= 1 {
			s.captionCap = n
		}
	}
}

// Open creates or opens the SQLite database at path and applies
// pragmas and schema. Idempotent.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent command handling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, captionCap: DefaultCaptionCap}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CaptionCap returns the configured per-destination index cap.
func (s *Store) CaptionCap() int { return s.captionCap }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// tx runs fn inside a transaction, committing on nil error.
func (s *Store) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
