package database

import (
	"context"
	"time"

	"github.com/calldoc/calldoc/internal/database/models"
)

// SystemConfigRepository manages key-value runtime settings.
type SystemConfigRepository interface {
	Get(ctx context.Context, key string) (string, error)
	GetInt(ctx context.Context, key string, fallback int) int
	Set(ctx context.Context, key, value string) error
	GetAll(ctx context.Context) ([]models.SystemConfig, error)
}

// CDRRepository manages call detail records received from the PBX.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, id int64) (*models.CDR, error)
	ListByCallID(ctx context.Context, callID int64) ([]models.CDR, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// CallRepository is the read side of the call aggregate, plus the single
// write this service performs on it (flagging a call as recorded).
type CallRepository interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.Call, error)
	GetByID(ctx context.Context, id int64) (*models.Call, error)
	// FindInWindow returns calls whose start time lies in [from, to],
	// ordered by start time.
	FindInWindow(ctx context.Context, from, to time.Time) ([]models.Call, error)
	MarkRecorded(ctx context.Context, id int64) error
}

// RecordingRuleRepository manages recording retention rules.
type RecordingRuleRepository interface {
	Create(ctx context.Context, rule *models.RecordingRule) error
	GetByID(ctx context.Context, id int64) (*models.RecordingRule, error)
	// ListActive returns active rules ordered by ascending priority, then id.
	ListActive(ctx context.Context) ([]models.RecordingRule, error)
	List(ctx context.Context) ([]models.RecordingRule, error)
	Update(ctx context.Context, rule *models.RecordingRule) error
	Delete(ctx context.Context, id int64) error
}

// RecordingListFilter specifies filtering and pagination for recording lists.
type RecordingListFilter struct {
	Limit     int
	Offset    int
	CallID    *int64
	Unmatched bool // only recordings without a call
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// RecordingRepository manages ingested recordings.
type RecordingRepository interface {
	Create(ctx context.Context, rec *models.Recording) error
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	List(ctx context.Context, filter RecordingListFilter) ([]models.Recording, int, error)
	// ListExpired returns live recordings created before the cutoff.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]models.Recording, error)
	SoftDelete(ctx context.Context, id string) error
	CountAll(ctx context.Context) (int64, error)
}

// StoragePoolRepository manages storage pools and their usage counters.
type StoragePoolRepository interface {
	Create(ctx context.Context, pool *models.StoragePool) error
	GetByID(ctx context.Context, id int64) (*models.StoragePool, error)
	List(ctx context.Context) ([]models.StoragePool, error)
	Update(ctx context.Context, pool *models.StoragePool) error
	// AddUsage adjusts current_size_bytes by delta, floored at zero.
	AddUsage(ctx context.Context, id int64, delta int64) error
	// ReserveUsage adds delta only if the pool stays within its quota.
	ReserveUsage(ctx context.Context, id int64, delta int64) (bool, error)
	// SetUsage overwrites current_size_bytes, used by reconciliation.
	SetUsage(ctx context.Context, id int64, size int64) error
}
