// Package store owns the embedded SQLite state file: schema, migrations,
// write transactions with monotonically increasing commit versions, and the
// optional at-rest encryption of changeset payloads.
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
// 0 - Initial schema (pre-migration)
// 1 - Added index on server_changesets.origin_file_ident
const currentSchemaVersion = 1

// Options configures Open.
type Options struct {
	// EncryptionKey, when non-nil, must be exactly 64 bytes. The first half
	// derives the payload cipher key, the second half the stored key check.
	EncryptionKey []byte
}

// Store provides durable storage for the replayed client state.
// Uses SQLite with WAL mode.
type Store struct {
	db     *sql.DB
	cipher *payloadCipher
}

// Open creates or opens the state database at the given path. Applies
// required pragmas and migrations, and verifies the encryption key against
// the stored check value before anything else touches the file.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db}
	if opts.EncryptionKey != nil {
		cipher, err := verifyEncryptionKey(db, opts.EncryptionKey)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.cipher = cipher
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

// DB returns the underlying sql.DB for direct queries.
// Use with caution - prefer using Store methods when available.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Query executes a query and returns the resulting rows.
// Callers are responsible for closing the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// EncryptPayload seals a changeset payload for storage when an encryption
// key is configured; without one the payload is returned unchanged.
func (s *Store) EncryptPayload(plaintext []byte) ([]byte, error) {
	if s.cipher == nil {
		return plaintext, nil
	}
	return s.cipher.seal(plaintext)
}

// DecryptPayload reverses EncryptPayload.
func (s *Store) DecryptPayload(stored []byte) ([]byte, error) {
	if s.cipher == nil {
		return stored, nil
	}
	return s.cipher.open(stored)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the index on server_changesets.origin_file_ident. The
// index is not part of schema.sql; this migration is where it is created.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_server_changesets_origin
		ON server_changesets(origin_file_ident)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
