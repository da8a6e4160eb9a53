package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/calldoc/calldoc/internal/database/models"
)

const callColumns = `id, external_call_id, agent_id, queue_name, direction,
	 caller_number, called_number, start_time, end_time, recorded`

// CallStore implements CallRepository over the local calls table, which
// call aggregation populates when it shares this database.
type CallStore struct {
	db *DB
}

// NewCallStore creates a CallStore.
func NewCallStore(db *DB) *CallStore {
	return &CallStore{db: db}
}

var _ CallRepository = (*CallStore)(nil)

// Create inserts a call. Used by call aggregation and by tests.
func (r *CallStore) Create(ctx context.Context, c *models.Call) error {
	var end any
	if c.EndTime != nil {
		end = c.EndTime.UTC()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO calls (external_call_id, agent_id, queue_name, direction,
		 caller_number, called_number, start_time, end_time, recorded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		c.ExternalCallID, c.AgentID, c.QueueName, c.Direction,
		c.CallerNumber, c.CalledNumber, c.StartTime.UTC(), end, boolInt(c.Recorded),
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

// GetByExternalID returns the call with the given external call id, or nil.
func (r *CallStore) GetByExternalID(ctx context.Context, externalID string) (*models.Call, error) {
	if externalID == "" {
		return nil, nil
	}
	return r.getOne(ctx, `SELECT `+callColumns+` FROM calls WHERE external_call_id = ?
		 ORDER BY start_time DESC LIMIT 1`, externalID)
}

// GetByID returns the call with the given internal id, or nil.
func (r *CallStore) GetByID(ctx context.Context, id int64) (*models.Call, error) {
	return r.getOne(ctx, `SELECT `+callColumns+` FROM calls WHERE id = ?`, id)
}

// FindInWindow returns calls starting within [from, to].
func (r *CallStore) FindInWindow(ctx context.Context, from, to time.Time) ([]models.Call, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE start_time >= ? AND start_time <= ?
		 ORDER BY start_time, id`, from.UTC(), to.UTC())
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

// MarkRecorded flags the call as having a stored recording.
func (r *CallStore) MarkRecorded(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE calls SET recorded = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("marking call %d recorded: %w", id, err)
	}
	return nil
}

func (r *CallStore) getOne(ctx context.Context, query string, args ...any) (*models.Call, error) {
	c, err := scanCall(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call: %w", err)
	}
	return c, nil
}

func scanCall(row rowScanner) (*models.Call, error) {
	var c models.Call
	var end sql.NullTime
	var recorded int
	if err := row.Scan(&c.ID, &c.ExternalCallID, &c.AgentID, &c.QueueName, &c.Direction,
		&c.CallerNumber, &c.CalledNumber, &c.StartTime, &end, &recorded); err != nil {
		return nil, err
	}
	if end.Valid {
		t := end.Time
		c.EndTime = &t
	}
	c.Recorded = recorded != 0
	return &c, nil
}
