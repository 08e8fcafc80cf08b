// Package storage defines the narrow persistence contract the alarm core
// requires and provides SQLite and in-memory implementations. The access
// patterns are deliberately small: point lookup of an alarm by id with its
// version, lookup of the most recent open alarm by group key, conditional
// writes keyed on the version counter, and append-only event and history
// storage.
package storage

import (
	"context"
	"time"

	"overwatch/core"
)

// AlarmStorage is the keyed alarm store. Mutations go through
// UpdateAlarmCAS so concurrent writers are detected via the version
// counter rather than corrupting state.
type AlarmStorage interface {
	// GetAlarm returns the alarm with its current version.
	GetAlarm(ctx context.Context, id string) (*core.Alarm, error)

	// GetOpenAlarmByGroupKey returns the most recently updated open
	// (non-terminal) alarm for the group key whose UpdatedAt is not older
	// than the cutoff, or ErrAlarmNotFound.
	GetOpenAlarmByGroupKey(ctx context.Context, groupKey string, updatedAfter time.Time) (*core.Alarm, error)

	// ListOpenAlarms returns every non-terminal alarm; used by the SLA sweep.
	ListOpenAlarms(ctx context.Context) ([]*core.Alarm, error)

	// ListAlarms returns alarms matching the filters plus the total count.
	ListAlarms(ctx context.Context, filters *core.AlarmFilters) ([]*core.Alarm, int64, error)

	// CreateAlarm persists a new alarm.
	CreateAlarm(ctx context.Context, alarm *core.Alarm) error

	// UpdateAlarmCAS persists the alarm only when the stored version equals
	// expectedVersion; otherwise ErrVersionConflict. The caller has already
	// incremented alarm.Version past expectedVersion.
	UpdateAlarmCAS(ctx context.Context, alarm *core.Alarm, expectedVersion int64) error

	// CountByState returns the current number of alarms per state.
	CountByState(ctx context.Context) (map[core.AlarmState]int64, error)
}

// EventStorage is the append-only event archive.
type EventStorage interface {
	AppendEvent(ctx context.Context, event *core.Event) error
	GetEvent(ctx context.Context, id string) (*core.Event, error)
	GetEventCount(ctx context.Context) (int64, error)
}

// RuleStorage persists declarative rules.
type RuleStorage interface {
	GetRule(ctx context.Context, id string) (*core.Rule, error)
	GetAllRules(ctx context.Context) ([]core.Rule, error)
	GetEnabledRules(ctx context.Context) ([]core.Rule, error)
	CreateRule(ctx context.Context, rule *core.Rule) error
	UpdateRule(ctx context.Context, id string, rule *core.Rule) error
	DeleteRule(ctx context.Context, id string) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
}
