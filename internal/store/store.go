// Package store implements the per-workspace embedded relational state store
// and the typed task CRUD layer on top of it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/adshq/ads/internal/common/logger"
	"github.com/adshq/ads/internal/db"
)

// SchemaVersion is the schema generation this build understands. A state DB
// carrying any other version refuses to open; there is no silent migration.
const SchemaVersion = 1

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// ErrSchemaMismatch is returned when the state DB carries an unrecognized
// schema version. Fatal for the workspace.
var ErrSchemaMismatch = errors.New("unrecognized state schema version")

// Store owns the per-workspace SQLite file: a single-writer connection plus
// a read-only pool, both prepared at open time.
type Store struct {
	w   *sqlx.DB // writer (single connection)
	ro  *sqlx.DB // reader pool
	log *logger.Logger
}

// Open opens (creating if necessary) the state DB at dbPath, applies the
// schema, and verifies the schema version.
func Open(dbPath string, busyTimeout time.Duration, log *logger.Logger) (*Store, error) {
	writer, err := db.OpenWriter(dbPath, busyTimeout)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenReader(dbPath, busyTimeout)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	s := &Store{w: writer, ro: reader, log: log}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.checkSchemaVersion(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, err
	}
	return s, nil
}

// Close closes both connections.
func (s *Store) Close() error {
	rerr := s.ro.Close()
	werr := s.w.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// checkSchemaVersion reads the schema_version row and refuses to proceed on
// an unrecognized version.
func (s *Store) checkSchemaVersion() error {
	var version int
	err := s.w.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err == sql.ErrNoRows {
		_, err = s.w.Exec(`INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion)
		return err
	}
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: have %d, want %d", ErrSchemaMismatch, version, SchemaVersion)
	}
	return nil
}

// inTx runs fn inside a single write transaction.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.w.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (after: %w)", rbErr, err)
		}
		return err
	}
	return tx.Commit()
}
