package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/calldoc/calldoc/internal/storage"
)

// poolRequest is the JSON body for updating a storage pool. The pool type
// is fixed at creation.
type poolRequest struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	MaxSizeBytes  int64  `json:"max_size_bytes"`
	Active        *bool  `json:"active"`
	WriteEnabled  *bool  `json:"write_enabled"`
	DeleteEnabled *bool  `json:"delete_enabled"`
}

// poolResponse is the JSON response for a single storage pool.
type poolResponse struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	Type             string `json:"type"`
	Path             string `json:"path"`
	MaxSizeBytes     int64  `json:"max_size_bytes"`
	CurrentSizeBytes int64  `json:"current_size_bytes"`
	Active           bool   `json:"active"`
	WriteEnabled     bool   `json:"write_enabled"`
	DeleteEnabled    bool   `json:"delete_enabled"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// poolUsageResponse compares the stored counter with the walked contents.
type poolUsageResponse struct {
	PoolID       int64         `json:"pool_id"`
	CounterBytes int64         `json:"counter_bytes"`
	MaxSizeBytes int64         `json:"max_size_bytes"`
	Walked       storage.Usage `json:"walked"`
}

func toPoolResponse(p *models.StoragePool) poolResponse {
	return poolResponse{
		ID:               p.ID,
		Name:             p.Name,
		Type:             p.Type,
		Path:             p.Path,
		MaxSizeBytes:     p.MaxSizeBytes,
		CurrentSizeBytes: p.CurrentSizeBytes,
		Active:           p.Active,
		WriteEnabled:     p.WriteEnabled,
		DeleteEnabled:    p.DeleteEnabled,
		CreatedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// handleListPools returns all storage pools with their usage counters.
func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.Pools.List(r.Context())
	if err != nil {
		s.logger.Error("list pools: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]poolResponse, len(pools))
	for i := range pools {
		items[i] = toPoolResponse(&pools[i])
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetPool returns a single storage pool.
func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, ok := s.loadPool(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toPoolResponse(pool))
}

// handleUpdatePool changes a pool's name, location, quota and flags.
func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	pool, ok := s.loadPool(w, r)
	if !ok {
		return
	}

	var req poolRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if msg := validateRequiredStringLen("name", req.Name, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateNoControlChars("name", req.Name); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validatePoolPath("path", req.Path); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.MaxSizeBytes < 0 {
		writeError(w, http.StatusBadRequest, "max_size_bytes must not be negative")
		return
	}

	pool.Name = req.Name
	pool.Path = req.Path
	pool.MaxSizeBytes = req.MaxSizeBytes
	if req.Active != nil {
		pool.Active = *req.Active
	}
	if req.WriteEnabled != nil {
		pool.WriteEnabled = *req.WriteEnabled
	}
	if req.DeleteEnabled != nil {
		pool.DeleteEnabled = *req.DeleteEnabled
	}

	if err := s.Storage.UpdatePool(r.Context(), pool); err != nil {
		s.logger.Error("update pool: failed to save", "error", err, "pool_id", pool.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	updated, err := s.Pools.GetByID(r.Context(), pool.ID)
	if err != nil || updated == nil {
		s.logger.Error("update pool: failed to reload", "error", err, "pool_id", pool.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("storage pool updated", "pool_id", pool.ID, "name", pool.Name,
		"active", pool.Active, "write_enabled", pool.WriteEnabled, "delete_enabled", pool.DeleteEnabled)
	writeJSON(w, http.StatusOK, toPoolResponse(updated))
}

// handlePoolUsage walks the pool and reports it next to the stored counter.
func (s *Server) handlePoolUsage(w http.ResponseWriter, r *http.Request) {
	pool, ok := s.loadPool(w, r)
	if !ok {
		return
	}

	u, err := s.Storage.GetUsage(r.Context(), pool.ID)
	if err != nil {
		s.writeStorageError(w, "pool usage", err)
		return
	}

	writeJSON(w, http.StatusOK, poolUsageResponse{
		PoolID:       pool.ID,
		CounterBytes: pool.CurrentSizeBytes,
		MaxSizeBytes: pool.MaxSizeBytes,
		Walked:       u,
	})
}

// handleReconcilePool resets the pool counter to the walked usage.
func (s *Server) handleReconcilePool(w http.ResponseWriter, r *http.Request) {
	pool, ok := s.loadPool(w, r)
	if !ok {
		return
	}

	u, err := s.Storage.Reconcile(r.Context(), pool.ID)
	if err != nil {
		s.writeStorageError(w, "reconcile pool", err)
		return
	}

	writeJSON(w, http.StatusOK, poolUsageResponse{
		PoolID:       pool.ID,
		CounterBytes: u.Bytes,
		MaxSizeBytes: pool.MaxSizeBytes,
		Walked:       u,
	})
}

func (s *Server) loadPool(w http.ResponseWriter, r *http.Request) (*models.StoragePool, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return nil, false
	}
	pool, err := s.Pools.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load pool", "error", err, "pool_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	if pool == nil {
		writeError(w, http.StatusNotFound, "storage pool not found")
		return nil, false
	}
	return pool, true
}

// writeStorageError maps storage sentinel errors onto HTTP statuses.
func (s *Server) writeStorageError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "object not found")
	case errors.Is(err, storage.ErrPoolNotFound):
		writeError(w, http.StatusNotFound, "storage pool not found")
	case errors.Is(err, storage.ErrRangeNotSatisfiable):
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "requested range not satisfiable")
	case errors.Is(err, storage.ErrInvalidPath):
		writeError(w, http.StatusBadRequest, "invalid object path")
	case errors.Is(err, storage.ErrWriteDisabled), errors.Is(err, storage.ErrDeleteDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, "storage pool quota exceeded")
	case errors.Is(err, storage.ErrPoolInactive),
		errors.Is(err, storage.ErrObjectStoreDisabled),
		errors.Is(err, storage.ErrUnsupportedPoolType):
		s.logger.Warn(op+": storage unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.logger.Error(op+": storage failure", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
