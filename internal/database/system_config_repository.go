package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/irfndi/candle-sync/internal/models"
	"github.com/jackc/pgx/v5"
)

// SystemConfigRepository stores runtime switches and schedules.
type SystemConfigRepository struct {
	pool DatabasePool
}

func NewSystemConfigRepository(pool DatabasePool) *SystemConfigRepository {
	return &SystemConfigRepository{pool: pool}
}

// All returns every stored key.
func (r *SystemConfigRepository) All(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT config_key, config_value, COALESCE(description, ''), updated_at
		FROM system_config
		ORDER BY config_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load system config: %w", err)
	}
	defer rows.Close()

	var out []models.SystemConfig
	for rows.Next() {
		var c models.SystemConfig
		if err := rows.Scan(&c.Key, &c.Value, &c.Description, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan system config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns the stored value of key and whether it exists.
func (r *SystemConfigRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT config_value FROM system_config WHERE config_key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get system config %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key, creating the key when missing.
func (r *SystemConfigRepository) Set(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO system_config (config_key, config_value, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (config_key) DO UPDATE SET
			config_value = EXCLUDED.config_value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set system config %s: %w", key, err)
	}
	return nil
}
