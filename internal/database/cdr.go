package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calldoc/calldoc/internal/database/models"
)

const cdrColumns = `id, source_type, raw_line, call_start, connected_time, ring_time,
	 caller, direction, called_number, dialled_number, account, is_internal,
	 call_id, continuation, party1_device, party1_name, party2_device, party2_name,
	 hold_time, park_time, auth_valid, auth_code, user_charged, call_charge,
	 currency, amount_at_change, call_units, units_at_change, cost_per_unit,
	 mark_up, external_targeting_cause, external_targeter_id,
	 external_targeted_number, calling_server_ip, caller_unique_call_id,
	 called_server_ip, called_unique_call_id, record_time, created_at`

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a call detail record and sets its ID.
func (r *cdrRepo) Create(ctx context.Context, c *models.CDR) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO cdrs (source_type, raw_line, call_start, connected_time, ring_time,
		 caller, direction, called_number, dialled_number, account, is_internal,
		 call_id, continuation, party1_device, party1_name, party2_device, party2_name,
		 hold_time, park_time, auth_valid, auth_code, user_charged, call_charge,
		 currency, amount_at_change, call_units, units_at_change, cost_per_unit,
		 mark_up, external_targeting_cause, external_targeter_id,
		 external_targeted_number, calling_server_ip, caller_unique_call_id,
		 called_server_ip, called_unique_call_id, record_time)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		 ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		c.SourceType, c.RawLine, nullTime(c.CallStart), c.ConnectedTime, c.RingTime,
		c.Caller, c.Direction, c.CalledNumber, c.DialledNumber, c.Account, boolInt(c.IsInternal),
		c.CallID, boolInt(c.Continuation), c.Party1Device, c.Party1Name, c.Party2Device, c.Party2Name,
		c.HoldTime, c.ParkTime, c.AuthValid, c.AuthCode, c.UserCharged, c.CallCharge,
		c.Currency, c.AmountAtChange, c.CallUnits, c.UnitsAtChange, c.CostPerUnit,
		c.MarkUp, c.ExternalTargetingCause, c.ExternalTargeterID,
		c.ExternalTargetedNumber, c.CallingServerIP, c.CallerUniqueCallID,
		c.CalledServerIP, c.CalledUniqueCallID, nullTime(c.RecordTime),
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// GetByID returns a CDR by ID, or nil if it does not exist.
func (r *cdrRepo) GetByID(ctx context.Context, id int64) (*models.CDR, error) {
	c, err := scanCDR(r.db.QueryRowContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return c, nil
}

// ListByCallID returns every leg recorded for a PBX call id in arrival order.
func (r *cdrRepo) ListByCallID(ctx context.Context, callID int64) ([]models.CDR, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+cdrColumns+` FROM cdrs WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("listing cdrs for call %d: %w", callID, err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		c, err := scanCDR(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating cdr rows: %w", err)
	}
	return cdrs, nil
}

// CountByDirection returns CDR totals keyed by "inbound" and "outbound".
func (r *cdrRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT direction, COUNT(*) FROM cdrs GROUP BY direction`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by direction: %w", err)
	}
	defer rows.Close()

	counts := map[string]int64{"inbound": 0, "outbound": 0}
	for rows.Next() {
		var dir string
		var n int64
		if err := rows.Scan(&dir, &n); err != nil {
			return nil, fmt.Errorf("scanning direction count: %w", err)
		}
		switch dir {
		case "I":
			counts["inbound"] = n
		case "O":
			counts["outbound"] = n
		}
	}
	return counts, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCDR(row rowScanner) (*models.CDR, error) {
	var c models.CDR
	var isInternal, continuation int
	var callStart, recordTime sql.NullTime
	err := row.Scan(&c.ID, &c.SourceType, &c.RawLine, &callStart, &c.ConnectedTime, &c.RingTime,
		&c.Caller, &c.Direction, &c.CalledNumber, &c.DialledNumber, &c.Account, &isInternal,
		&c.CallID, &continuation, &c.Party1Device, &c.Party1Name, &c.Party2Device, &c.Party2Name,
		&c.HoldTime, &c.ParkTime, &c.AuthValid, &c.AuthCode, &c.UserCharged, &c.CallCharge,
		&c.Currency, &c.AmountAtChange, &c.CallUnits, &c.UnitsAtChange, &c.CostPerUnit,
		&c.MarkUp, &c.ExternalTargetingCause, &c.ExternalTargeterID,
		&c.ExternalTargetedNumber, &c.CallingServerIP, &c.CallerUniqueCallID,
		&c.CalledServerIP, &c.CalledUniqueCallID, &recordTime, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.IsInternal = isInternal != 0
	c.Continuation = continuation != 0
	if callStart.Valid {
		c.CallStart = callStart.Time
	}
	if recordTime.Valid {
		c.RecordTime = recordTime.Time
	}
	return &c, nil
}
