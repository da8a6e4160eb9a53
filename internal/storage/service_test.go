package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
)

type testEnv struct {
	svc   *Service
	pools database.StoragePoolRepository
	root  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(t.TempDir())
	if err != nil {
		t.Fatalf("database.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	root := t.TempDir()
	pools := database.NewStoragePoolRepository(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &testEnv{
		svc:   NewService(pools, NewBackendFactory(root, nil), logger),
		pools: pools,
		root:  root,
	}
}

func (e *testEnv) usage(t *testing.T) int64 {
	t.Helper()
	p, err := e.pools.GetByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	return p.CurrentSizeBytes
}

func (e *testEnv) setPool(t *testing.T, mutate func(p *models.StoragePool)) {
	t.Helper()
	ctx := context.Background()
	p, err := e.svc.Pool(ctx, 1)
	if err != nil {
		t.Fatalf("Pool() error: %v", err)
	}
	cp := *p
	mutate(&cp)
	if err := e.svc.UpdatePool(ctx, &cp); err != nil {
		t.Fatalf("UpdatePool() error: %v", err)
	}
}

func TestWriteReadDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	name := "2024/02/10/abc.mp3"

	if err := env.svc.WriteFile(ctx, 1, name, []byte("0123456789")); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "recordings", "2024", "02", "10", "abc.mp3")); err != nil {
		t.Fatalf("file not under pool root: %v", err)
	}
	if got := env.usage(t); got != 10 {
		t.Errorf("usage after write = %d, want 10", got)
	}

	// Overwrite only charges the difference.
	if err := env.svc.WriteFile(ctx, 1, name, []byte("0123")); err != nil {
		t.Fatalf("WriteFile() overwrite error: %v", err)
	}
	if got := env.usage(t); got != 4 {
		t.Errorf("usage after overwrite = %d, want 4", got)
	}

	data, err := env.svc.ReadFile(ctx, 1, name)
	if err != nil || string(data) != "0123" {
		t.Fatalf("ReadFile() = %q, %v", data, err)
	}

	info, err := env.svc.Stat(ctx, 1, name)
	if err != nil || info.Size != 4 || info.ContentType != "audio/mpeg" {
		t.Errorf("Stat() = %+v, %v", info, err)
	}

	if err := env.svc.DeleteFile(ctx, 1, name); err != nil {
		t.Fatalf("DeleteFile() error: %v", err)
	}
	if got := env.usage(t); got != 0 {
		t.Errorf("usage after delete = %d, want 0", got)
	}
	if _, err := env.svc.Stat(ctx, 1, name); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat() after delete error = %v, want ErrNotFound", err)
	}
	if err := env.svc.DeleteFile(ctx, 1, name); err != nil {
		t.Errorf("second DeleteFile() error = %v, want nil", err)
	}
}

func TestQuotaRejectionLeavesCounter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPool(t, func(p *models.StoragePool) { p.MaxSizeBytes = 16 })

	if err := env.svc.WriteFile(ctx, 1, "a.mp3", make([]byte, 10)); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	err := env.svc.WriteFile(ctx, 1, "b.mp3", make([]byte, 7))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("WriteFile() error = %v, want ErrQuotaExceeded", err)
	}
	if got := env.usage(t); got != 10 {
		t.Errorf("usage after rejected write = %d, want 10", got)
	}
	if _, err := env.svc.Stat(ctx, 1, "b.mp3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rejected object exists: %v", err)
	}

	// Exactly filling the pool is allowed.
	if err := env.svc.WriteFile(ctx, 1, "c.mp3", make([]byte, 6)); err != nil {
		t.Errorf("WriteFile() filling pool error: %v", err)
	}
}

func TestPoolStateChecks(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *models.StoragePool)
		wantErr error
	}{
		{"inactive", func(p *models.StoragePool) { p.Active = false }, ErrPoolInactive},
		{"write disabled", func(p *models.StoragePool) { p.WriteEnabled = false }, ErrWriteDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.setPool(t, tt.mutate)
			err := env.svc.WriteFile(context.Background(), 1, "x.mp3", []byte("data"))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("WriteFile() error = %v, want %v", err, tt.wantErr)
			}
			if got := env.usage(t); got != 0 {
				t.Errorf("usage = %d, want 0", got)
			}
		})
	}

	env := newTestEnv(t)
	if err := env.svc.WriteFile(context.Background(), 99, "x.mp3", nil); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("unknown pool error = %v, want ErrPoolNotFound", err)
	}
}

func TestDeleteDisabledAndFloor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.svc.WriteFile(ctx, 1, "a.mp3", make([]byte, 100)); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	env.setPool(t, func(p *models.StoragePool) { p.DeleteEnabled = false })
	if err := env.svc.DeleteFile(ctx, 1, "a.mp3"); !errors.Is(err, ErrDeleteDisabled) {
		t.Fatalf("DeleteFile() error = %v, want ErrDeleteDisabled", err)
	}

	env.setPool(t, func(p *models.StoragePool) { p.DeleteEnabled = true })
	if err := env.pools.SetUsage(ctx, 1, 30); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.DeleteFile(ctx, 1, "a.mp3"); err != nil {
		t.Fatalf("DeleteFile() error: %v", err)
	}
	if got := env.usage(t); got != 0 {
		t.Errorf("usage = %d, want floor of 0", got)
	}
}

func TestPoolCacheEviction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Pool(ctx, 1); err != nil {
		t.Fatal(err)
	}

	// A change that bypasses the service is not seen until the entry
	// expires or is evicted.
	p, _ := env.pools.GetByID(ctx, 1)
	p.WriteEnabled = false
	if err := env.pools.Update(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := env.svc.WriteFile(ctx, 1, "a.mp3", []byte("x")); err != nil {
		t.Fatalf("WriteFile() with cached pool error: %v", err)
	}

	// The write evicted the entry, so the next write sees the change.
	if err := env.svc.WriteFile(ctx, 1, "b.mp3", []byte("x")); !errors.Is(err, ErrWriteDisabled) {
		t.Errorf("WriteFile() after eviction error = %v, want ErrWriteDisabled", err)
	}
}

func TestReadFileStreamRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.svc.WriteFile(ctx, 1, "r.mp3", []byte("abcdefghij")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		rng     *ByteRange
		want    string
		wantErr error
	}{
		{"whole", nil, "abcdefghij", nil},
		{"middle", &ByteRange{Start: 2, End: 5}, "cdef", nil},
		{"open end", &ByteRange{Start: 7, End: -1}, "hij", nil},
		{"end clipped", &ByteRange{Start: 8, End: 100}, "ij", nil},
		{"start past end", &ByteRange{Start: 10, End: -1}, "", ErrRangeNotSatisfiable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, info, err := env.svc.ReadFileStream(ctx, 1, "r.mp3", tt.rng)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadFileStream() error: %v", err)
			}
			defer rc.Close()
			data, _ := io.ReadAll(rc)
			if string(data) != tt.want {
				t.Errorf("data = %q, want %q", data, tt.want)
			}
			if info.Size != 10 {
				t.Errorf("info.Size = %d, want 10", info.Size)
			}
		})
	}
}

func TestRejectsEscapingPaths(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"../outside.mp3", "/etc/passwd", "a/../../b", "", `..\win`} {
		err := env.svc.WriteFile(ctx, 1, name, []byte("x"))
		if !errors.Is(err, ErrInvalidPath) {
			t.Errorf("WriteFile(%q) error = %v, want ErrInvalidPath", name, err)
		}
	}
	if got := env.usage(t); got != 0 {
		t.Errorf("usage = %d, want 0", got)
	}
}

func TestGetUsageAndReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, n := range []string{"2024/01/01/a.mp3", "2024/01/02/b.mp3"} {
		if err := env.svc.WriteFile(ctx, 1, n, make([]byte, 5)); err != nil {
			t.Fatal(err)
		}
	}
	// A stray file written outside the service.
	stray := filepath.Join(env.root, "recordings", "stray.wav")
	if err := os.WriteFile(stray, make([]byte, 7), 0o644); err != nil {
		t.Fatal(err)
	}

	u, err := env.svc.GetUsage(ctx, 1)
	if err != nil {
		t.Fatalf("GetUsage() error: %v", err)
	}
	if u.Files != 3 || u.Bytes != 17 {
		t.Errorf("GetUsage() = %+v, want 3 files 17 bytes", u)
	}
	if got := env.usage(t); got != 10 {
		t.Errorf("counter before reconcile = %d, want 10", got)
	}

	if _, err := env.svc.Reconcile(ctx, 1); err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if got := env.usage(t); got != 17 {
		t.Errorf("counter after reconcile = %d, want 17", got)
	}
}

func TestObjectPoolWithoutClient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pool := &models.StoragePool{Name: "s3", Type: models.PoolTypeObject, Path: "calldoc", Active: true, WriteEnabled: true}
	if err := env.pools.Create(ctx, pool); err != nil {
		t.Fatal(err)
	}
	err := env.svc.WriteFile(ctx, pool.ID, "a.mp3", []byte("x"))
	if !errors.Is(err, ErrObjectStoreDisabled) {
		t.Errorf("WriteFile() error = %v, want ErrObjectStoreDisabled", err)
	}
}

func TestRecordingPaths(t *testing.T) {
	created := time.Date(2024, 2, 10, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := RecordingPath(created, "abc", ".mp3"); got != "2024/02/11/abc.mp3" {
		t.Errorf("RecordingPath() = %q", got)
	}
	if got := PeaksPath(created, "abc"); got != "2024/02/11/abc.peaks.json" {
		t.Errorf("PeaksPath() = %q", got)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header  string
		want    *ByteRange
		wantErr bool
	}{
		{"", nil, false},
		{"bytes=0-99", &ByteRange{0, 99}, false},
		{"bytes=100-", &ByteRange{100, 999}, false},
		{"bytes=-200", &ByteRange{800, 999}, false},
		{"bytes=-5000", &ByteRange{0, 999}, false},
		{"bytes=900-5000", &ByteRange{900, 999}, false},
		{"bytes=0-1,5-9", nil, false},
		{"bytes=1000-", nil, true},
		{"bytes=50-10", nil, true},
		{"items=0-1", nil, true},
		{"bytes=abc", nil, true},
		{"bytes=-0", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ParseRange(tt.header, 1000)
			if tt.wantErr {
				if !errors.Is(err, ErrRangeNotSatisfiable) {
					t.Fatalf("error = %v, want ErrRangeNotSatisfiable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got == nil) != (tt.want == nil) || got != nil && *got != *tt.want {
				t.Errorf("ParseRange(%q) = %+v, want %+v", tt.header, got, tt.want)
			}
		})
	}

	r := ByteRange{Start: 0, End: 99}
	if r.ContentRange(1000) != "bytes 0-99/1000" || r.Length() != 100 {
		t.Errorf("ContentRange/Length = %q/%d", r.ContentRange(1000), r.Length())
	}
}

// heldPools blocks the first GetByID after arm until release is closed,
// after the row has been read.
type heldPools struct {
	database.StoragePoolRepository
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (h *heldPools) GetByID(ctx context.Context, id int64) (*models.StoragePool, error) {
	p, err := h.StoragePoolRepository.GetByID(ctx, id)
	if h.armed.CompareAndSwap(true, false) {
		close(h.loaded)
		<-h.release
	}
	return p, err
}

func TestQuotaHoldsAcrossConcurrentPoolLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	held := &heldPools{
		StoragePoolRepository: env.pools,
		loaded:                make(chan struct{}),
		release:               make(chan struct{}),
	}
	env.svc = NewService(held, NewBackendFactory(env.root, nil), slog.New(slog.NewTextHandler(io.Discard, nil)))
	env.setPool(t, func(p *models.StoragePool) { p.MaxSizeBytes = 15 })

	// A playback lookup reads the pool row with the counter at 0 and stalls.
	held.armed.Store(true)
	statDone := make(chan struct{})
	go func() {
		defer close(statDone)
		env.svc.Stat(ctx, 1, "missing.mp3")
	}()
	<-held.loaded

	if err := env.svc.WriteFile(ctx, 1, "a.mp3", make([]byte, 10)); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	close(held.release)
	<-statDone

	err := env.svc.WriteFile(ctx, 1, "b.mp3", make([]byte, 10))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("second WriteFile() error = %v, want ErrQuotaExceeded", err)
	}
	if got := env.usage(t); got != 10 {
		t.Errorf("usage = %d, want 10", got)
	}
}

func TestQuotaEnforcedAgainstStoredCounter(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.setPool(t, func(p *models.StoragePool) { p.MaxSizeBytes = 15 })

	// Cache the pool, then move the counter behind the service's back.
	if _, err := env.svc.Pool(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := env.pools.SetUsage(ctx, 1, 10); err != nil {
		t.Fatal(err)
	}

	err := env.svc.WriteFile(ctx, 1, "a.mp3", make([]byte, 10))
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("WriteFile() error = %v, want ErrQuotaExceeded", err)
	}
	if _, err := os.Stat(filepath.Join(env.root, "recordings", "a.mp3")); !os.IsNotExist(err) {
		t.Errorf("rejected object written: %v", err)
	}
	if got := env.usage(t); got != 10 {
		t.Errorf("usage = %d, want 10", got)
	}
}
