// Package pgcalls looks up aggregated calls in the call-aggregation
// PostgreSQL database when it is not co-located with the CallDoc store.
package pgcalls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/calldoc/calldoc/internal/database"
	"github.com/calldoc/calldoc/internal/database/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectCall = `SELECT id, external_call_id, agent_id, queue_name, direction,
	caller_number, called_number, start_time, end_time, recorded FROM calls`

// querier is the subset of *pgxpool.Pool the store needs.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Store implements database.CallRepository against PostgreSQL.
type Store struct {
	pool querier
}

var _ database.CallRepository = (*Store)(nil)

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgresql dsn: %w", err)
	}
	cfg.MaxConns = 5
	cfg.MaxConnLifetime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	slog.Info("call lookup connected to postgresql")
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool querier) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GetByExternalID returns the most recent call with externalID, or nil.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*models.Call, error) {
	if externalID == "" {
		return nil, nil
	}
	return s.getOne(ctx, selectCall+` WHERE external_call_id = $1 ORDER BY start_time DESC LIMIT 1`, externalID)
}

// GetByID returns the call with the given id, or nil.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	return s.getOne(ctx, selectCall+` WHERE id = $1`, id)
}

// FindInWindow returns calls starting within [from, to] ordered by start.
func (s *Store) FindInWindow(ctx context.Context, from, to time.Time) ([]models.Call, error) {
	rows, err := s.pool.Query(ctx,
		selectCall+` WHERE start_time BETWEEN $1 AND $2 ORDER BY start_time, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying calls in window: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		calls = append(calls, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return calls, nil
}

// MarkRecorded flags a call as recorded.
func (s *Store) MarkRecorded(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE calls SET recorded = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking call %d recorded: %w", id, err)
	}
	return nil
}

func (s *Store) getOne(ctx context.Context, query string, args ...any) (*models.Call, error) {
	c, err := scanCall(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return c, nil
}

func scanCall(row pgx.Row) (*models.Call, error) {
	var c models.Call
	var end pgtype.Timestamptz
	if err := row.Scan(&c.ID, &c.ExternalCallID, &c.AgentID, &c.QueueName, &c.Direction,
		&c.CallerNumber, &c.CalledNumber, &c.StartTime, &end, &c.Recorded); err != nil {
		return nil, err
	}
	if end.Valid {
		t := end.Time
		c.EndTime = &t
	}
	return &c, nil
}
