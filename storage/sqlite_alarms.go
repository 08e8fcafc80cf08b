package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"overwatch/core"
)

const alarmColumns = `id, group_key, tenant, site, state, prior_state, severity, confidence,
	created_at, updated_at, assignee, watchers, runbook_id, escalation_policy,
	sla_deadline, sla_breached, snooze_until, version`

// openStateClause excludes the terminal states from open-alarm queries.
const openStateClause = `state NOT IN ('SUPPRESSED', 'CLOSED')`

func scanAlarm(row interface{ Scan(...interface{}) error }) (*core.Alarm, error) {
	var (
		a                                  core.Alarm
		createdAt, updatedAt               string
		slaDeadline, snoozeUntil, watchers string
		breached                           int
	)
	err := row.Scan(&a.ID, &a.GroupKey, &a.Tenant, &a.Site, &a.State, &a.PriorState,
		&a.Severity, &a.Confidence, &createdAt, &updatedAt, &a.Assignee, &watchers,
		&a.RunbookID, &a.EscalationPolicy, &slaDeadline, &breached, &snoozeUntil, &a.Version)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	a.SLADeadline = parseTime(slaDeadline)
	a.SnoozeUntil = parseTime(snoozeUntil)
	a.SLABreached = breached != 0
	if watchers != "" {
		if err := json.Unmarshal([]byte(watchers), &a.Watchers); err != nil {
			return nil, fmt.Errorf("malformed watchers column for alarm %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func (s *SQLite) loadAlarmLists(ctx context.Context, a *core.Alarm) error {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT event_id FROM alarm_events WHERE alarm_id = ? ORDER BY seq`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return err
		}
		a.EventIDs = append(a.EventIDs, eventID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	hrows, err := s.ReadDB.QueryContext(ctx,
		`SELECT timestamp, actor, action, from_state, to_state, note
		 FROM alarm_history WHERE alarm_id = ? ORDER BY seq`, a.ID)
	if err != nil {
		return err
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			entry HistoryRow
		)
		if err := hrows.Scan(&entry.Timestamp, &entry.Actor, &entry.Action,
			&entry.FromState, &entry.ToState, &entry.Note); err != nil {
			return err
		}
		a.History = append(a.History, core.HistoryEntry{
			Timestamp: parseTime(entry.Timestamp),
			Actor:     entry.Actor,
			Action:    entry.Action,
			FromState: core.AlarmState(entry.FromState),
			ToState:   core.AlarmState(entry.ToState),
			Note:      entry.Note,
		})
	}
	return hrows.Err()
}

// HistoryRow is the raw scan target for alarm_history rows.
type HistoryRow struct {
	Timestamp string
	Actor     string
	Action    string
	FromState string
	ToState   string
	Note      string
}

// GetAlarm returns the alarm with its event and history lists.
func (s *SQLite) GetAlarm(ctx context.Context, id string) (*core.Alarm, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE id = ?`, id)
	alarm, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlarmNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alarm %s: %w", id, err)
	}
	if err := s.loadAlarmLists(ctx, alarm); err != nil {
		return nil, fmt.Errorf("failed to load alarm %s lists: %w", id, err)
	}
	return alarm, nil
}

// GetOpenAlarmByGroupKey returns the most recently updated open alarm for
// the group key that was updated at or after the cutoff.
func (s *SQLite) GetOpenAlarmByGroupKey(ctx context.Context, groupKey string, updatedAfter time.Time) (*core.Alarm, error) {
	row := s.ReadDB.QueryRowContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms
		 WHERE group_key = ? AND `+openStateClause+` AND updated_at >= ?
		 ORDER BY updated_at DESC LIMIT 1`,
		groupKey, formatTime(updatedAfter))
	alarm, err := scanAlarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlarmNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up group key %s: %w", groupKey, err)
	}
	if err := s.loadAlarmLists(ctx, alarm); err != nil {
		return nil, err
	}
	return alarm, nil
}

// ListOpenAlarms returns every non-terminal alarm, for the SLA sweep.
func (s *SQLite) ListOpenAlarms(ctx context.Context) ([]*core.Alarm, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT `+alarmColumns+` FROM alarms WHERE `+openStateClause+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open alarms: %w", err)
	}
	defer rows.Close()
	var out []*core.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, alarm := range out {
		if err := s.loadAlarmLists(ctx, alarm); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListAlarms returns alarms matching the filters plus the total count.
func (s *SQLite) ListAlarms(ctx context.Context, filters *core.AlarmFilters) ([]*core.Alarm, int64, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if filters != nil {
		if filters.Tenant != "" {
			clauses = append(clauses, "tenant = ?")
			args = append(args, filters.Tenant)
		}
		if filters.Site != "" {
			clauses = append(clauses, "site = ?")
			args = append(args, filters.Site)
		}
		if filters.State != "" {
			clauses = append(clauses, "state = ?")
			args = append(args, string(filters.State))
		}
		if filters.Severity != "" {
			clauses = append(clauses, "severity = ?")
			args = append(args, string(filters.Severity))
		}
		if filters.Assignee != "" {
			clauses = append(clauses, "assignee = ?")
			args = append(args, filters.Assignee)
		}
		if !filters.From.IsZero() {
			clauses = append(clauses, "created_at >= ?")
			args = append(args, formatTime(filters.From))
		}
		if !filters.To.IsZero() {
			clauses = append(clauses, "created_at <= ?")
			args = append(args, formatTime(filters.To))
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := s.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM alarms`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alarms: %w", err)
	}

	query := `SELECT ` + alarmColumns + ` FROM alarms` + where + ` ORDER BY created_at DESC, id`
	if filters != nil && filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filters.Limit, filters.Offset)
	}
	rows, err := s.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list alarms: %w", err)
	}
	defer rows.Close()
	var out []*core.Alarm
	for rows.Next() {
		alarm, err := scanAlarm(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, alarm)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, alarm := range out {
		if err := s.loadAlarmLists(ctx, alarm); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func marshalWatchers(watchers []string) (string, error) {
	if watchers == nil {
		watchers = []string{}
	}
	data, err := json.Marshal(watchers)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func appendAlarmLists(ctx context.Context, tx *sql.Tx, a *core.Alarm) error {
	// Event and history rows are keyed by (alarm_id, seq) and inserted with
	// OR IGNORE, so re-writing the full alarm only ever appends new rows.
	for i, eventID := range a.EventIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO alarm_events (alarm_id, seq, event_id) VALUES (?, ?, ?)`,
			a.ID, i, eventID); err != nil {
			return err
		}
	}
	for i, entry := range a.History {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO alarm_history
			 (alarm_id, seq, timestamp, actor, action, from_state, to_state, note)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, i, formatTime(entry.Timestamp), entry.Actor, entry.Action,
			string(entry.FromState), string(entry.ToState), entry.Note); err != nil {
			return err
		}
	}
	return nil
}

// CreateAlarm persists a new alarm with its initial event and history rows.
func (s *SQLite) CreateAlarm(ctx context.Context, a *core.Alarm) error {
	watchers, err := marshalWatchers(a.Watchers)
	if err != nil {
		return fmt.Errorf("failed to marshal watchers: %w", err)
	}
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alarms (`+alarmColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.GroupKey, a.Tenant, a.Site, string(a.State), string(a.PriorState),
		string(a.Severity), a.Confidence, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		a.Assignee, watchers, a.RunbookID, a.EscalationPolicy,
		formatTime(a.SLADeadline), boolToInt(a.SLABreached), formatTime(a.SnoozeUntil), a.Version)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateAlarm
		}
		return fmt.Errorf("failed to create alarm %s: %w", a.ID, err)
	}
	if err := appendAlarmLists(ctx, tx, a); err != nil {
		return fmt.Errorf("failed to append alarm %s lists: %w", a.ID, err)
	}
	return tx.Commit()
}

// UpdateAlarmCAS writes the alarm only when the stored version still equals
// expectedVersion. Exactly one of two same-version writers wins.
func (s *SQLite) UpdateAlarmCAS(ctx context.Context, a *core.Alarm, expectedVersion int64) error {
	watchers, err := marshalWatchers(a.Watchers)
	if err != nil {
		return fmt.Errorf("failed to marshal watchers: %w", err)
	}
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE alarms SET state = ?, prior_state = ?, severity = ?, confidence = ?,
		   updated_at = ?, assignee = ?, watchers = ?, runbook_id = ?, escalation_policy = ?,
		   sla_deadline = ?, sla_breached = ?, snooze_until = ?, version = ?
		 WHERE id = ? AND version = ?`,
		string(a.State), string(a.PriorState), string(a.Severity), a.Confidence,
		formatTime(a.UpdatedAt), a.Assignee, watchers, a.RunbookID, a.EscalationPolicy,
		formatTime(a.SLADeadline), boolToInt(a.SLABreached), formatTime(a.SnoozeUntil), a.Version,
		a.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update alarm %s: %w", a.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM alarms WHERE id = ?`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrAlarmNotFound
		}
		return ErrVersionConflict
	}
	if err := appendAlarmLists(ctx, tx, a); err != nil {
		return fmt.Errorf("failed to append alarm %s lists: %w", a.ID, err)
	}
	return tx.Commit()
}

// CountByState returns the current number of alarms per lifecycle state.
func (s *SQLite) CountByState(ctx context.Context) (map[core.AlarmState]int64, error) {
	rows, err := s.ReadDB.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM alarms GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count alarms by state: %w", err)
	}
	defer rows.Close()
	counts := make(map[core.AlarmState]int64)
	for rows.Next() {
		var (
			state string
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[core.AlarmState(state)] = count
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
