package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/calldoc/calldoc/internal/database/models"
)

const ruleColumns = `id, name, priority, kind, direction_filter, conditions,
	 record_percent, active, created_at, updated_at`

// recordingRuleRepo implements RecordingRuleRepository.
type recordingRuleRepo struct {
	db *DB
}

// NewRecordingRuleRepository creates a new RecordingRuleRepository.
func NewRecordingRuleRepository(db *DB) RecordingRuleRepository {
	return &recordingRuleRepo{db: db}
}

// Create inserts a recording rule and sets its ID.
func (r *recordingRuleRepo) Create(ctx context.Context, rule *models.RecordingRule) error {
	if rule.DirectionFilter == "" {
		rule.DirectionFilter = "all"
	}
	if rule.Conditions == "" {
		rule.Conditions = "{}"
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO recording_rules (name, priority, kind, direction_filter, conditions,
		 record_percent, active) VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rule.Name, rule.Priority, rule.Kind, rule.DirectionFilter, rule.Conditions,
		rule.RecordPercent, boolInt(rule.Active),
	).Scan(&rule.ID)
	if err != nil {
		return fmt.Errorf("inserting recording rule: %w", err)
	}
	return nil
}

// GetByID returns a rule by ID, or nil if it does not exist.
func (r *recordingRuleRepo) GetByID(ctx context.Context, id int64) (*models.RecordingRule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recording_rules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning recording rule: %w", err)
	}
	return rule, nil
}

// ListActive returns active rules in evaluation order.
func (r *recordingRuleRepo) ListActive(ctx context.Context) ([]models.RecordingRule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM recording_rules WHERE active = 1 ORDER BY priority, id`)
}

// List returns every rule, active or not, in evaluation order.
func (r *recordingRuleRepo) List(ctx context.Context) ([]models.RecordingRule, error) {
	return r.list(ctx, `SELECT `+ruleColumns+` FROM recording_rules ORDER BY priority, id`)
}

func (r *recordingRuleRepo) list(ctx context.Context, query string) ([]models.RecordingRule, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing recording rules: %w", err)
	}
	defer rows.Close()

	var rules []models.RecordingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning recording rule row: %w", err)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recording rule rows: %w", err)
	}
	return rules, nil
}

// Update modifies an existing rule.
func (r *recordingRuleRepo) Update(ctx context.Context, rule *models.RecordingRule) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE recording_rules SET name = ?, priority = ?, kind = ?, direction_filter = ?,
		 conditions = ?, record_percent = ?, active = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		rule.Name, rule.Priority, rule.Kind, rule.DirectionFilter, rule.Conditions,
		rule.RecordPercent, boolInt(rule.Active), rule.ID,
	)
	if err != nil {
		return fmt.Errorf("updating recording rule: %w", err)
	}
	return nil
}

// Delete removes a rule.
func (r *recordingRuleRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM recording_rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting recording rule: %w", err)
	}
	return nil
}

func scanRule(row rowScanner) (*models.RecordingRule, error) {
	var rule models.RecordingRule
	var active int
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Priority, &rule.Kind, &rule.DirectionFilter,
		&rule.Conditions, &rule.RecordPercent, &active, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.Active = active != 0
	return &rule, nil
}
