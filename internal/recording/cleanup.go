// Package recording enforces recording retention.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/storage"
)

// batchSize bounds how many recordings one sweep removes.
const batchSize = 500

// ObjectDeleter removes stored objects from a pool.
type ObjectDeleter interface {
	DeleteFile(ctx context.Context, poolID int64, name string) error
}

// Retention removes recordings older than the configured number of days.
type Retention struct {
	recordings database.RecordingRepository
	store      ObjectDeleter
	sysConfig  database.SystemConfigRepository
	maxDays    int // overrides the system setting when > 0
	logger     *slog.Logger

	nowFunc func() time.Time
}

// NewRetention creates a Retention. A positive maxDays takes precedence
// over the recording_max_days system setting.
func NewRetention(recordings database.RecordingRepository, store ObjectDeleter,
	sysConfig database.SystemConfigRepository, maxDays int, logger *slog.Logger) *Retention {
	return &Retention{
		recordings: recordings,
		store:      store,
		sysConfig:  sysConfig,
		maxDays:    maxDays,
		logger:     logger.With("subsystem", "retention"),
		nowFunc:    time.Now,
	}
}

// StartCleanupTicker runs Sweep every interval until ctx is cancelled.
func (r *Retention) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					r.logger.Error("recording retention cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Sweep soft-deletes expired recordings and removes their audio and peaks
// objects through the storage service, so pool usage stays accurate. It
// returns how many recordings were removed. Retention of 0 days disables it.
func (r *Retention) Sweep(ctx context.Context) (int, error) {
	maxDays := r.maxDays
	if maxDays <= 0 {
		maxDays = r.sysConfig.GetInt(ctx, database.SettingRecordingMaxDays, 0)
	}
	if maxDays <= 0 {
		return 0, nil
	}

	cutoff := r.nowFunc().UTC().AddDate(0, 0, -maxDays)
	expired, err := r.recordings.ListExpired(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, rec := range expired {
		failed := false
		for _, name := range []string{rec.StoragePath, rec.PeaksPath} {
			if name == "" {
				continue
			}
			err := r.store.DeleteFile(ctx, rec.PoolID, name)
			if err == nil || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			// A pool that refuses deletes keeps the row live so a later
			// sweep can retry once the pool allows it.
			r.logger.Warn("failed to remove recording object", "recording_id", rec.ID, "path", name, "pool_id", rec.PoolID, "error", err)
			failed = true
		}
		if failed {
			continue
		}
		if err := r.recordings.SoftDelete(ctx, rec.ID); err != nil {
			r.logger.Warn("failed to soft-delete recording", "recording_id", rec.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		r.logger.Info("recording retention cleanup", "deleted", removed, "max_days", maxDays)
	}
	return removed, nil
}
