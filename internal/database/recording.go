package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calldoc/calldoc/internal/database/models"
)

const recordingColumns = `id, pool_id, call_id, storage_path, peaks_path, original_filename,
	 original_codec, stored_codec, duration_seconds, file_size, checksum,
	 match_method, match_confidence, created_at, deleted_at`

// recordingRepo implements RecordingRepository.
type recordingRepo struct {
	db *DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *DB) RecordingRepository {
	return &recordingRepo{db: db}
}

// Create inserts a recording. The caller assigns ID and CreatedAt, since the
// storage path is derived from both before the row exists.
func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO recordings (id, pool_id, call_id, storage_path, peaks_path, original_filename,
		 original_codec, stored_codec, duration_seconds, file_size, checksum,
		 match_method, match_confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PoolID, rec.CallID, rec.StoragePath, rec.PeaksPath, rec.OriginalFilename,
		rec.OriginalCodec, rec.StoredCodec, rec.DurationSeconds, rec.FileSize, rec.Checksum,
		rec.MatchMethod, rec.MatchConfidence, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting recording: %w", err)
	}
	return nil
}

// GetByID returns a live (not soft-deleted) recording, or nil.
func (r *recordingRepo) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	rec, err := scanRecording(r.db.QueryRowContext(ctx,
		`SELECT `+recordingColumns+` FROM recordings WHERE id = ? AND deleted_at IS NULL`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording: %w", err)
	}
	return rec, nil
}

// List returns live recordings matching the filter, newest first, with the
// total count.
func (r *recordingRepo) List(ctx context.Context, filter RecordingListFilter) ([]models.Recording, int, error) {
	where := "deleted_at IS NULL"
	args := []any{}

	if filter.CallID != nil {
		where += " AND call_id = ?"
		args = append(args, *filter.CallID)
	}
	if filter.Unmatched {
		where += " AND call_id IS NULL"
	}
	if filter.StartDate != "" {
		where += " AND created_at >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND created_at <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recordings WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting recordings: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + recordingColumns + ` FROM recordings WHERE ` + where +
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	recs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListExpired returns up to limit live recordings created before the cutoff.
func (r *recordingRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]models.Recording, error) {
	return r.query(ctx,
		`SELECT `+recordingColumns+` FROM recordings
		 WHERE deleted_at IS NULL AND created_at < ? ORDER BY created_at LIMIT ?`,
		before.UTC(), limit)
}

// SoftDelete marks a recording deleted. The row stays for reporting.
func (r *recordingRepo) SoftDelete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE recordings SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("soft-deleting recording %s: %w", id, err)
	}
	return nil
}

// CountAll returns the number of live recordings.
func (r *recordingRepo) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recordings WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting recordings: %w", err)
	}
	return n, nil
}

func (r *recordingRepo) query(ctx context.Context, query string, args ...any) ([]models.Recording, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing recordings: %w", err)
	}
	defer rows.Close()

	var recs []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recording row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rows: %w", err)
	}
	return recs, nil
}

func scanRecording(row rowScanner) (*models.Recording, error) {
	var rec models.Recording
	var callID sql.NullInt64
	var method sql.NullString
	var deleted sql.NullTime
	if err := row.Scan(&rec.ID, &rec.PoolID, &callID, &rec.StoragePath, &rec.PeaksPath,
		&rec.OriginalFilename, &rec.OriginalCodec, &rec.StoredCodec, &rec.DurationSeconds,
		&rec.FileSize, &rec.Checksum, &method, &rec.MatchConfidence, &rec.CreatedAt, &deleted); err != nil {
		return nil, err
	}
	if callID.Valid {
		id := callID.Int64
		rec.CallID = &id
	}
	if method.Valid {
		m := method.String
		rec.MatchMethod = &m
	}
	if deleted.Valid {
		t := deleted.Time
		rec.DeletedAt = &t
	}
	return &rec, nil
}
