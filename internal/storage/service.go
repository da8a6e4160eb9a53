// Package storage reads and writes recording objects in storage pools and
// keeps each pool's usage counter in step with its contents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/ttlcache"
	"github.com/minio/minio-go/v7"
)

// PoolCacheTTL is how long pool configuration is reused before reloading.
const PoolCacheTTL = 60 * time.Second

// BackendFactory returns the backend serving a pool.
type BackendFactory func(pool *models.StoragePool) (Backend, error)

// NewBackendFactory serves local and network pools from root/<pool path>
// and object pools from the bucket named by the pool path. s3 may be nil
// when no object store is configured.
func NewBackendFactory(root string, s3 *minio.Client) BackendFactory {
	return func(pool *models.StoragePool) (Backend, error) {
		switch pool.Type {
		case models.PoolTypeLocal, models.PoolTypeNetwork:
			return NewLocalBackend(filepath.Join(root, filepath.FromSlash(pool.Path))), nil
		case models.PoolTypeObject:
			if s3 == nil {
				return nil, fmt.Errorf("pool %d: %w", pool.ID, ErrObjectStoreDisabled)
			}
			return NewS3Backend(s3, pool.Path), nil
		default:
			return nil, fmt.Errorf("pool %d type %q: %w", pool.ID, pool.Type, ErrUnsupportedPoolType)
		}
	}
}

// Service performs pool-addressed object operations.
type Service struct {
	pools   database.StoragePoolRepository
	cache   *ttlcache.Cache[int64, *models.StoragePool]
	backend BackendFactory
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(pools database.StoragePoolRepository, backend BackendFactory, logger *slog.Logger) *Service {
	return &Service{
		pools:   pools,
		cache:   ttlcache.New[int64, *models.StoragePool](PoolCacheTTL),
		backend: backend,
		logger:  logger.With("subsystem", "storage"),
	}
}

// Pool returns the pool configuration, served from cache when fresh.
func (s *Service) Pool(ctx context.Context, poolID int64) (*models.StoragePool, error) {
	return s.cache.GetOrLoad(ctx, poolID, func(ctx context.Context) (*models.StoragePool, error) {
		p, err := s.pools.GetByID(ctx, poolID)
		if err != nil {
			return nil, fmt.Errorf("loading storage pool %d: %w", poolID, err)
		}
		if p == nil {
			return nil, fmt.Errorf("pool %d: %w", poolID, ErrPoolNotFound)
		}
		return p, nil
	})
}

func (s *Service) open(ctx context.Context, poolID int64) (*models.StoragePool, Backend, error) {
	pool, err := s.Pool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	b, err := s.backend(pool)
	if err != nil {
		return nil, nil, err
	}
	return pool, b, nil
}

// WriteFile stores data under name. The pool state and quota are checked
// before any I/O, then growth is reserved against the stored counter
// before the object is written. Overwriting an object only charges the
// size difference.
func (s *Service) WriteFile(ctx context.Context, poolID int64, name string, data []byte) error {
	pool, b, err := s.open(ctx, poolID)
	if err != nil {
		return err
	}
	if !pool.Active {
		return fmt.Errorf("pool %d: %w", poolID, ErrPoolInactive)
	}
	if !pool.WriteEnabled {
		return fmt.Errorf("pool %d: %w", poolID, ErrWriteDisabled)
	}
	size := int64(len(data))
	if pool.MaxSizeBytes > 0 && pool.CurrentSizeBytes+size > pool.MaxSizeBytes {
		return fmt.Errorf("pool %d: writing %d bytes with %d of %d used: %w",
			poolID, size, pool.CurrentSizeBytes, pool.MaxSizeBytes, ErrQuotaExceeded)
	}

	var existing int64
	if info, err := b.Stat(ctx, name); err == nil {
		existing = info.Size
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	defer s.cache.Invalidate(poolID)
	delta := size - existing
	if delta > 0 {
		ok, err := s.pools.ReserveUsage(ctx, poolID, delta)
		if err != nil {
			return fmt.Errorf("updating usage of pool %d: %w", poolID, err)
		}
		if !ok {
			return fmt.Errorf("pool %d: writing %d bytes: %w", poolID, size, ErrQuotaExceeded)
		}
	}

	if err := b.Write(ctx, name, data); err != nil {
		if delta > 0 {
			if rerr := s.pools.AddUsage(ctx, poolID, -delta); rerr != nil {
				s.logger.Error("releasing usage after failed write", "pool_id", poolID, "bytes", delta, "error", rerr)
			}
		}
		return err
	}
	if delta < 0 {
		if err := s.pools.AddUsage(ctx, poolID, delta); err != nil {
			return fmt.Errorf("updating usage of pool %d: %w", poolID, err)
		}
	}
	return nil
}

// ReadFile returns the whole object.
func (s *Service) ReadFile(ctx context.Context, poolID int64, name string) ([]byte, error) {
	rc, _, err := s.ReadFileStream(ctx, poolID, name, nil)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s from pool %d: %w", name, poolID, err)
	}
	return data, nil
}

// ReadFileStream opens the object. When rng is non-nil it is resolved
// against the object size and the reader covers only that range; the
// resolved range is returned alongside the full object info.
func (s *Service) ReadFileStream(ctx context.Context, poolID int64, name string, rng *ByteRange) (io.ReadCloser, ObjectInfo, error) {
	_, b, err := s.open(ctx, poolID)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	info, err := b.Stat(ctx, name)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if rng != nil {
		resolved, err := rng.resolve(info.Size)
		if err != nil {
			return nil, info, err
		}
		*rng = resolved
	}
	rc, err := b.Open(ctx, name, rng)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return rc, info, nil
}

// Stat returns object metadata.
func (s *Service) Stat(ctx context.Context, poolID int64, name string) (ObjectInfo, error) {
	_, b, err := s.open(ctx, poolID)
	if err != nil {
		return ObjectInfo{}, err
	}
	return b.Stat(ctx, name)
}

// DeleteFile removes the object and releases its size from the pool
// counter. Deleting an object that is already gone is not an error.
func (s *Service) DeleteFile(ctx context.Context, poolID int64, name string) error {
	pool, b, err := s.open(ctx, poolID)
	if err != nil {
		return err
	}
	if !pool.DeleteEnabled {
		return fmt.Errorf("pool %d: %w", poolID, ErrDeleteDisabled)
	}

	info, err := b.Stat(ctx, name)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("delete of missing object", "pool_id", poolID, "file", name)
		return nil
	}
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, name); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	defer s.cache.Invalidate(poolID)
	if err := s.pools.AddUsage(ctx, poolID, -info.Size); err != nil {
		return fmt.Errorf("updating usage of pool %d: %w", poolID, err)
	}
	return nil
}

// GetUsage walks the pool contents. It is a reconciliation tool; quota
// checks use the stored counter.
func (s *Service) GetUsage(ctx context.Context, poolID int64) (Usage, error) {
	_, b, err := s.open(ctx, poolID)
	if err != nil {
		return Usage{}, err
	}
	return b.Walk(ctx)
}

// Reconcile replaces the pool counter with the walked usage.
func (s *Service) Reconcile(ctx context.Context, poolID int64) (Usage, error) {
	u, err := s.GetUsage(ctx, poolID)
	if err != nil {
		return Usage{}, err
	}
	defer s.cache.Invalidate(poolID)
	if err := s.pools.SetUsage(ctx, poolID, u.Bytes); err != nil {
		return Usage{}, fmt.Errorf("setting usage of pool %d: %w", poolID, err)
	}
	s.logger.Info("storage pool reconciled", "pool_id", poolID, "files", u.Files, "bytes", u.Bytes)
	return u, nil
}

// UpdatePool saves pool configuration and evicts the cached copy.
func (s *Service) UpdatePool(ctx context.Context, pool *models.StoragePool) error {
	defer s.cache.Invalidate(pool.ID)
	if err := s.pools.Update(ctx, pool); err != nil {
		return fmt.Errorf("updating storage pool %d: %w", pool.ID, err)
	}
	return nil
}
