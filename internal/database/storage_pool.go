package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calldoc/calldoc/internal/database/models"
)

const poolColumns = `id, name, type, path, max_size_bytes, current_size_bytes,
	 active, write_enabled, delete_enabled, created_at, updated_at`

// storagePoolRepo implements StoragePoolRepository.
type storagePoolRepo struct {
	db *DB
}

// NewStoragePoolRepository creates a new StoragePoolRepository.
func NewStoragePoolRepository(db *DB) StoragePoolRepository {
	return &storagePoolRepo{db: db}
}

// Create inserts a storage pool and sets its ID.
func (r *storagePoolRepo) Create(ctx context.Context, p *models.StoragePool) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO storage_pools (name, type, path, max_size_bytes, current_size_bytes,
		 active, write_enabled, delete_enabled) VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Name, p.Type, p.Path, p.MaxSizeBytes, p.CurrentSizeBytes,
		boolInt(p.Active), boolInt(p.WriteEnabled), boolInt(p.DeleteEnabled),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("inserting storage pool: %w", err)
	}
	return nil
}

// GetByID returns a pool by ID, or nil if it does not exist.
func (r *storagePoolRepo) GetByID(ctx context.Context, id int64) (*models.StoragePool, error) {
	p, err := scanPool(r.db.QueryRowContext(ctx,
		`SELECT `+poolColumns+` FROM storage_pools WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning storage pool: %w", err)
	}
	return p, nil
}

// List returns all pools ordered by ID.
func (r *storagePoolRepo) List(ctx context.Context) ([]models.StoragePool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM storage_pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing storage pools: %w", err)
	}
	defer rows.Close()

	var pools []models.StoragePool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning storage pool row: %w", err)
		}
		pools = append(pools, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating storage pool rows: %w", err)
	}
	return pools, nil
}

// Update modifies pool configuration. The usage counter is left alone;
// it only moves through AddUsage and SetUsage.
func (r *storagePoolRepo) Update(ctx context.Context, p *models.StoragePool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE storage_pools SET name = ?, type = ?, path = ?, max_size_bytes = ?,
		 active = ?, write_enabled = ?, delete_enabled = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		p.Name, p.Type, p.Path, p.MaxSizeBytes,
		boolInt(p.Active), boolInt(p.WriteEnabled), boolInt(p.DeleteEnabled), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating storage pool: %w", err)
	}
	return nil
}

// AddUsage adjusts the usage counter in a single statement so concurrent
// adjustments cannot lose updates.
func (r *storagePoolRepo) AddUsage(ctx context.Context, id int64, delta int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE storage_pools SET current_size_bytes = MAX(0, current_size_bytes + ?),
		 updated_at = datetime('now') WHERE id = ?`, delta, id)
	if err != nil {
		return fmt.Errorf("adjusting usage of pool %d: %w", id, err)
	}
	return nil
}

// ReserveUsage adds delta to the usage counter only if the result stays
// within max_size_bytes (0 means unbounded). It reports whether the
// counter moved. Check and update are one statement, so two writers cannot
// both pass against the same starting value.
func (r *storagePoolRepo) ReserveUsage(ctx context.Context, id int64, delta int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE storage_pools SET current_size_bytes = current_size_bytes + ?,
		 updated_at = datetime('now')
		 WHERE id = ? AND (max_size_bytes = 0 OR current_size_bytes + ? <= max_size_bytes)`,
		delta, id, delta)
	if err != nil {
		return false, fmt.Errorf("reserving usage of pool %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserving usage of pool %d: %w", id, err)
	}
	return n == 1, nil
}

// SetUsage overwrites the usage counter.
func (r *storagePoolRepo) SetUsage(ctx context.Context, id int64, size int64) error {
	if size < 0 {
		size = 0
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE storage_pools SET current_size_bytes = ?, updated_at = datetime('now') WHERE id = ?`,
		size, id)
	if err != nil {
		return fmt.Errorf("setting usage of pool %d: %w", id, err)
	}
	return nil
}

func scanPool(row rowScanner) (*models.StoragePool, error) {
	var p models.StoragePool
	var active, write, del int
	if err := row.Scan(&p.ID, &p.Name, &p.Type, &p.Path, &p.MaxSizeBytes, &p.CurrentSizeBytes,
		&active, &write, &del, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.WriteEnabled = write != 0
	p.DeleteEnabled = del != 0
	return &p, nil
}
