package recording

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/storage"
)

type env struct {
	retention  *Retention
	recordings database.RecordingRepository
	pools      database.StoragePoolRepository
	sysConfig  database.SystemConfigRepository
	store      *storage.Service
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, maxDays int) *env {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sysConfig, err := database.NewSystemConfigRepository(ctx, db)
	if err != nil {
		t.Fatalf("NewSystemConfigRepository() error: %v", err)
	}
	pools := database.NewStoragePoolRepository(db)
	store := storage.NewService(pools, storage.NewBackendFactory(t.TempDir(), nil), logger)
	recordings := database.NewRecordingRepository(db)

	r := NewRetention(recordings, store, sysConfig, maxDays, logger)
	r.nowFunc = func() time.Time { return now }
	return &env{retention: r, recordings: recordings, pools: pools, sysConfig: sysConfig, store: store}
}

func (e *env) add(t *testing.T, id string, createdAt time.Time) models.Recording {
	t.Helper()
	ctx := context.Background()
	rec := models.Recording{
		ID:          id,
		PoolID:      1,
		StoragePath: storage.RecordingPath(createdAt, id, ".mp3"),
		PeaksPath:   storage.PeaksPath(createdAt, id),
		StoredCodec: "mp3",
		CreatedAt:   createdAt,
	}
	if err := e.store.WriteFile(ctx, 1, rec.StoragePath, make([]byte, 1000)); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := e.store.WriteFile(ctx, 1, rec.PeaksPath, []byte("[0,1]")); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := e.recordings.Create(ctx, &rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return rec
}

func (e *env) usage(t *testing.T) int64 {
	t.Helper()
	p, err := e.pools.GetByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	return p.CurrentSizeBytes
}

func TestSweepDisabledByDefault(t *testing.T) {
	e := newEnv(t, 0)
	e.add(t, "old", now.AddDate(0, 0, -400))

	n, err := e.retention.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v; want 0, nil", n, err)
	}
}

func TestSweepUsesSystemSetting(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	old := e.add(t, "old", now.AddDate(0, 0, -31))
	fresh := e.add(t, "fresh", now.AddDate(0, 0, -2))
	if got := e.usage(t); got != 2010 {
		t.Fatalf("usage = %d, want 2010", got)
	}

	if err := e.sysConfig.Set(ctx, database.SettingRecordingMaxDays, "30"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	n, err := e.retention.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1, nil", n, err)
	}

	if got, _ := e.recordings.GetByID(ctx, old.ID); got != nil {
		t.Error("expired recording still live")
	}
	if got, _ := e.recordings.GetByID(ctx, fresh.ID); got == nil || got.DeletedAt != nil {
		t.Error("fresh recording was deleted")
	}
	if _, err := e.store.Stat(ctx, 1, old.StoragePath); err == nil {
		t.Error("expired audio object still stored")
	}
	if got := e.usage(t); got != 1005 {
		t.Errorf("usage = %d, want 1005", got)
	}
}

func TestSweepConfigOverride(t *testing.T) {
	e := newEnv(t, 7)
	ctx := context.Background()
	e.add(t, "week-old", now.AddDate(0, 0, -8))
	if err := e.sysConfig.Set(ctx, database.SettingRecordingMaxDays, "365"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	n, err := e.retention.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep() = %d, %v; want 1, nil", n, err)
	}
}

func TestSweepKeepsRowWhenPoolRefusesDeletes(t *testing.T) {
	e := newEnv(t, 1)
	ctx := context.Background()
	rec := e.add(t, "locked", now.AddDate(0, 0, -5))

	pool, _ := e.store.Pool(ctx, 1)
	locked := *pool
	locked.DeleteEnabled = false
	if err := e.store.UpdatePool(ctx, &locked); err != nil {
		t.Fatalf("UpdatePool() error: %v", err)
	}

	n, err := e.retention.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v; want 0, nil", n, err)
	}
	if got, _ := e.recordings.GetByID(ctx, rec.ID); got == nil || got.DeletedAt != nil {
		t.Error("recording soft-deleted although its objects remain")
	}
}
