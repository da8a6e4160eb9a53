package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/calldoc/calldoc/internal/database/models"
)

// Runtime setting keys.
const (
	SettingRecordingMaxDays = "recording_max_days"
)

// systemConfigRepo implements SystemConfigRepository. All values are held
// in memory after the initial load; writes go through to the database.
type systemConfigRepo struct {
	db     *DB
	mu     sync.RWMutex
	values map[string]string
}

// NewSystemConfigRepository loads all settings from db into memory.
func NewSystemConfigRepository(ctx context.Context, db *DB) (SystemConfigRepository, error) {
	repo := &systemConfigRepo{db: db, values: make(map[string]string)}

	all, err := repo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading system config: %w", err)
	}
	for _, c := range all {
		repo.values[c.Key] = c.Value
	}
	return repo, nil
}

// Get returns the value for key, or "" when unset.
func (r *systemConfigRepo) Get(_ context.Context, key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[key], nil
}

// GetInt returns key parsed as an integer, or fallback when it is unset or
// not a number.
func (r *systemConfigRepo) GetInt(ctx context.Context, key string, fallback int) int {
	v, _ := r.Get(ctx, key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Set upserts key.
func (r *systemConfigRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_config (key, value, updated_at)
		 VALUES (?, ?, datetime('now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("setting config %q: %w", key, err)
	}

	r.mu.Lock()
	r.values[key] = value
	r.mu.Unlock()
	return nil
}

// GetAll reads every setting from the database.
func (r *systemConfigRepo) GetAll(ctx context.Context) ([]models.SystemConfig, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, key, value, updated_at FROM system_config ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("querying system config: %w", err)
	}
	defer rows.Close()

	var configs []models.SystemConfig
	for rows.Next() {
		var c models.SystemConfig
		if err := rows.Scan(&c.ID, &c.Key, &c.Value, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning system config row: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}
