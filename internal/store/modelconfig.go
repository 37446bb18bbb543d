package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// UpsertModelConfig inserts or replaces a model registry row. Setting
// isDefault clears the flag on every other row in the same transaction.
func (s *Store) UpsertModelConfig(ctx context.Context, cfg *ModelConfig, now time.Time) error {
	if cfg.ID == "" {
		return NewValidationError("id", "must not be empty")
	}
	if cfg.DisplayName == "" {
		return NewValidationError("displayName", "must not be empty")
	}
	cfg.UpdatedAt = now.UTC()
	if cfg.ConfigJSON == "" {
		cfg.ConfigJSON = "{}"
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if cfg.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE model_configs SET is_default = 0 WHERE id != ?`, cfg.ID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO model_configs (id, display_name, provider, is_enabled, is_default, config_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				provider = excluded.provider,
				is_enabled = excluded.is_enabled,
				is_default = excluded.is_default,
				config_json = excluded.config_json,
				updated_at = excluded.updated_at
		`, cfg.ID, cfg.DisplayName, cfg.Provider, boolToInt(cfg.IsEnabled),
			boolToInt(cfg.IsDefault), cfg.ConfigJSON, cfg.UpdatedAt)
		return err
	})
}

// GetModelConfig retrieves a model registry row by id.
func (s *Store) GetModelConfig(ctx context.Context, id string) (*ModelConfig, error) {
	return scanModelConfig(s.ro.QueryRowContext(ctx, `
		SELECT id, display_name, provider, is_enabled, is_default, config_json, updated_at
		FROM model_configs WHERE id = ?
	`, id))
}

// GetDefaultModelConfig returns the row flagged as default, or ErrNotFound.
func (s *Store) GetDefaultModelConfig(ctx context.Context) (*ModelConfig, error) {
	return scanModelConfig(s.ro.QueryRowContext(ctx, `
		SELECT id, display_name, provider, is_enabled, is_default, config_json, updated_at
		FROM model_configs WHERE is_default = 1 LIMIT 1
	`))
}

// ListModelConfigs returns all model registry rows.
func (s *Store) ListModelConfigs(ctx context.Context) ([]*ModelConfig, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, display_name, provider, is_enabled, is_default, config_json, updated_at
		FROM model_configs ORDER BY display_name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var configs []*ModelConfig
	for rows.Next() {
		cfg := &ModelConfig{}
		var enabled, isDefault int
		if err := rows.Scan(&cfg.ID, &cfg.DisplayName, &cfg.Provider, &enabled,
			&isDefault, &cfg.ConfigJSON, &cfg.UpdatedAt); err != nil {
			return nil, err
		}
		cfg.IsEnabled = enabled != 0
		cfg.IsDefault = isDefault != 0
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// DeleteModelConfig removes a model registry row.
func (s *Store) DeleteModelConfig(ctx context.Context, id string) error {
	res, err := s.w.ExecContext(ctx, `DELETE FROM model_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanModelConfig(row *sql.Row) (*ModelConfig, error) {
	cfg := &ModelConfig{}
	var enabled, isDefault int
	err := row.Scan(&cfg.ID, &cfg.DisplayName, &cfg.Provider, &enabled,
		&isDefault, &cfg.ConfigJSON, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.IsEnabled = enabled != 0
	cfg.IsDefault = isDefault != 0
	return cfg, nil
}
