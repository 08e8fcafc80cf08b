package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"overwatch/core"
)

const ruleColumns = `id, name, description, enabled, priority, cooldown_ns, source, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*core.Rule, error) {
	var (
		r                    core.Rule
		enabled              int
		cooldownNS           int64
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &enabled, &r.Priority,
		&cooldownNS, &r.Source, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.Cooldown = time.Duration(cooldownNS)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// GetRule returns a rule by id.
func (s *SQLite) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return rule, nil
}

func (s *SQLite) queryRules(ctx context.Context, query string, args ...interface{}) ([]core.Rule, error) {
	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()
	var out []core.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// GetAllRules returns every rule ordered by id.
func (s *SQLite) GetAllRules(ctx context.Context) ([]core.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
}

// GetEnabledRules returns the enabled rules ordered by id.
func (s *SQLite) GetEnabledRules(ctx context.Context) ([]core.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 ORDER BY id`)
}

// CreateRule persists a new rule.
func (s *SQLite) CreateRule(ctx context.Context, rule *core.Rule) error {
	_, err := s.WriteDB.ExecContext(ctx,
		`INSERT INTO rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, boolToInt(rule.Enabled), rule.Priority,
		int64(rule.Cooldown), rule.Source, formatTime(rule.CreatedAt), formatTime(rule.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateRule
		}
		return fmt.Errorf("failed to create rule %s: %w", rule.ID, err)
	}
	return nil
}

// UpdateRule replaces a rule's definition.
func (s *SQLite) UpdateRule(ctx context.Context, id string, rule *core.Rule) error {
	res, err := s.WriteDB.ExecContext(ctx,
		`UPDATE rules SET name = ?, description = ?, enabled = ?, priority = ?,
		   cooldown_ns = ?, source = ?, updated_at = ?
		 WHERE id = ?`,
		rule.Name, rule.Description, boolToInt(rule.Enabled), rule.Priority,
		int64(rule.Cooldown), rule.Source, formatTime(rule.UpdatedAt), id)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule. Alarms already created by it are unaffected.
func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	res, err := s.WriteDB.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// SetRuleEnabled flips a rule's enabled flag.
func (s *SQLite) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.WriteDB.ExecContext(ctx,
		`UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set rule %s enabled=%t: %w", id, enabled, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}
