package store

import (
	"context"
	"database/sql"
	"time"
)

// SetPreference writes a key/value preference. Idempotent for equal values.
func (s *Store) SetPreference(ctx context.Context, key, value string, now time.Time) error {
	if key == "" {
		return NewValidationError("key", "must not be empty")
	}
	_, err := s.w.ExecContext(ctx, `
		INSERT INTO preferences (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now.UTC())
	return err
}

// GetPreference reads a preference; ErrNotFound when unset.
func (s *Store) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := s.ro.QueryRowContext(ctx,
		`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
