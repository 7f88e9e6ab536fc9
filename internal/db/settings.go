package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// settingsKey is the fixed logical key of the singleton settings row.
const settingsKey = "default"

// SettingsRepository handles the sync settings document.
type SettingsRepository struct {
	pool *pgxpool.Pool
}

// Get returns the saved settings, or ErrNotFound if none were ever saved.
func (r *SettingsRepository) Get(ctx context.Context) (*SyncSettings, error) {
	query := `
		SELECT username, api_key, created_at, updated_at
		FROM sync_settings
		WHERE key = $1
	`
	var s SyncSettings
	err := r.pool.QueryRow(ctx, query, settingsKey).Scan(
		&s.Username,
		&s.APIKey,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync settings: %w", err)
	}
	return &s, nil
}

// Save creates the settings row on first save and updates it thereafter.
func (r *SettingsRepository) Save(ctx context.Context, s *SyncSettings) error {
	query := `
		INSERT INTO sync_settings (key, username, api_key, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (key) DO UPDATE SET
			username = EXCLUDED.username,
			api_key = EXCLUDED.api_key,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`
	err := r.pool.QueryRow(ctx, query, settingsKey, s.Username, s.APIKey).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving sync settings: %w", err)
	}
	return nil
}
