package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overwatch/core"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testEvent(tenant, site, area, subtype string, severity core.Severity) *core.Event {
	e := core.NewEvent()
	e.Tenant = tenant
	e.Site = site
	e.Source = core.Source{Type: "motion", Subtype: subtype, DeviceID: "cam-1"}
	e.Location = core.Location{AreaID: area}
	e.Severity = severity
	e.ObservedAt = time.Now().UTC()
	e.IngestedAt = time.Now().UTC()
	return e
}

func testAlarm(groupKey string, state core.AlarmState, updatedAt time.Time) *core.Alarm {
	e := testEvent("acme", "hq", "lobby", "tailgate", core.SeverityMajor)
	a := core.NewAlarmFromEvent(e, updatedAt)
	a.GroupKey = groupKey
	a.State = state
	a.UpdatedAt = updatedAt
	return a
}

func TestSQLite_CreateAndGetAlarm(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	a := testAlarm("acme:hq:lobby:tailgate", core.StateNew, now)
	a.Watchers = []string{"ops", "sec"}
	require.NoError(t, db.CreateAlarm(ctx, a))

	got, err := db.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, a.GroupKey, got.GroupKey)
	assert.Equal(t, core.StateNew, got.State)
	assert.Equal(t, a.Watchers, got.Watchers)
	assert.Equal(t, a.EventIDs, got.EventIDs)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.History, 1)
	assert.Equal(t, core.HistoryActionCreated, got.History[0].Action)
}

func TestSQLite_GetAlarm_NotFound(t *testing.T) {
	db := newTestSQLite(t)
	_, err := db.GetAlarm(context.Background(), "alm_missing")
	assert.ErrorIs(t, err, ErrAlarmNotFound)
}

func TestSQLite_CreateAlarm_Duplicate(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	a := testAlarm("gk", core.StateNew, time.Now().UTC())
	require.NoError(t, db.CreateAlarm(ctx, a))
	assert.ErrorIs(t, db.CreateAlarm(ctx, a), ErrDuplicateAlarm)
}

func TestSQLite_UpdateAlarmCAS(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	a := testAlarm("gk", core.StateNew, time.Now().UTC())
	require.NoError(t, db.CreateAlarm(ctx, a))

	// Winner: read version 1, write version 2.
	updated := a.Clone()
	updated.State = core.StateTriage
	updated.Version = 2
	updated.AppendHistory(core.HistoryEntry{
		Timestamp: time.Now().UTC(),
		Action:    core.HistoryActionTransition,
		FromState: core.StateNew,
		ToState:   core.StateTriage,
	})
	require.NoError(t, db.UpdateAlarmCAS(ctx, updated, 1))

	// Loser: still holds version 1.
	stale := a.Clone()
	stale.State = core.StateSnoozed
	stale.Version = 2
	assert.ErrorIs(t, db.UpdateAlarmCAS(ctx, stale, 1), ErrVersionConflict)

	got, err := db.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateTriage, got.State)
	assert.Equal(t, int64(2), got.Version)
	assert.Len(t, got.History, 2)
}

func TestSQLite_UpdateAlarmCAS_NotFound(t *testing.T) {
	db := newTestSQLite(t)
	a := testAlarm("gk", core.StateNew, time.Now().UTC())
	err := db.UpdateAlarmCAS(context.Background(), a, 1)
	assert.ErrorIs(t, err, ErrAlarmNotFound)
}

func TestSQLite_HistoryAppendIsIdempotent(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	a := testAlarm("gk", core.StateNew, time.Now().UTC())
	require.NoError(t, db.CreateAlarm(ctx, a))

	// Re-writing the same alarm rows must not duplicate history entries.
	updated := a.Clone()
	updated.Version = 2
	require.NoError(t, db.UpdateAlarmCAS(ctx, updated, 1))

	got, err := db.GetAlarm(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
	assert.Len(t, got.EventIDs, 1)
}

func TestSQLite_GetOpenAlarmByGroupKey(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := testAlarm("gk", core.StateTriage, now.Add(-10*time.Minute))
	newer := testAlarm("gk", core.StateActive, now.Add(-1*time.Minute))
	closed := testAlarm("gk", core.StateClosed, now)
	other := testAlarm("other", core.StateNew, now)
	for _, a := range []*core.Alarm{older, newer, closed, other} {
		require.NoError(t, db.CreateAlarm(ctx, a))
	}

	// Most recently updated open alarm wins; terminal alarms are ignored
	// even when newer.
	got, err := db.GetOpenAlarmByGroupKey(ctx, "gk", now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	// A tight cutoff excludes everything.
	_, err = db.GetOpenAlarmByGroupKey(ctx, "gk", now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrAlarmNotFound)

	_, err = db.GetOpenAlarmByGroupKey(ctx, "nope", now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrAlarmNotFound)
}

func TestSQLite_GetOpenAlarmByGroupKey_IncludesResolvedAndSnoozed(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	resolved := testAlarm("gk-r", core.StateResolved, now)
	snoozed := testAlarm("gk-s", core.StateSnoozed, now)
	require.NoError(t, db.CreateAlarm(ctx, resolved))
	require.NoError(t, db.CreateAlarm(ctx, snoozed))

	got, err := db.GetOpenAlarmByGroupKey(ctx, "gk-r", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, resolved.ID, got.ID)

	got, err = db.GetOpenAlarmByGroupKey(ctx, "gk-s", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, snoozed.ID, got.ID)
}

func TestSQLite_ListOpenAlarms(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.CreateAlarm(ctx, testAlarm("a", core.StateNew, now)))
	require.NoError(t, db.CreateAlarm(ctx, testAlarm("b", core.StateSnoozed, now)))
	require.NoError(t, db.CreateAlarm(ctx, testAlarm("c", core.StateSuppressed, now)))
	require.NoError(t, db.CreateAlarm(ctx, testAlarm("d", core.StateClosed, now)))

	open, err := db.ListOpenAlarms(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestSQLite_ListAlarms_FiltersAndPagination(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		a := testAlarm(fmt.Sprintf("gk-%d", i), core.StateNew, base.Add(time.Duration(i)*time.Minute))
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if i%2 == 0 {
			a.Severity = core.SeverityCritical
		}
		require.NoError(t, db.CreateAlarm(ctx, a))
	}

	// Severity filter.
	crit, total, err := db.ListAlarms(ctx, &core.AlarmFilters{Severity: core.SeverityCritical})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, crit, 3)

	// Pagination, newest first.
	page, total, err := db.ListAlarms(ctx, &core.AlarmFilters{Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt) || page[0].CreatedAt.Equal(page[1].CreatedAt))

	rest, _, err := db.ListAlarms(ctx, &core.AlarmFilters{Limit: 10, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestSQLite_CountByState(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.CreateAlarm(ctx, testAlarm("a", core.StateNew, now)))
	require.NoError(t, db.CreateAlarm(ctx, testAlarm("b", core.StateNew, now)))
	require.NoError(t, db.CreateAlarm(ctx, testAlarm("c", core.StateActive, now)))

	counts, err := db.CountByState(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, counts[core.StateNew])
	assert.EqualValues(t, 1, counts[core.StateActive])
}

func TestSQLite_Events(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	e := testEvent("acme", "hq", "lobby", "tailgate", core.SeverityMinor)
	e.Attributes = map[string]any{"confidence": 0.7}
	require.NoError(t, db.AppendEvent(ctx, e))
	// Idempotent on replays.
	require.NoError(t, db.AppendEvent(ctx, e))

	got, err := db.GetEvent(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Tenant, got.Tenant)
	assert.Equal(t, e.Source.Subtype, got.Source.Subtype)
	assert.Equal(t, 0.7, got.Attributes["confidence"])

	count, err := db.GetEventCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, err = db.GetEvent(ctx, "evt_missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSQLite_Rules(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	rule := &core.Rule{
		ID:        "r-1",
		Name:      "High confidence tailgate",
		Enabled:   true,
		Priority:  10,
		Cooldown:  5 * time.Minute,
		Source:    "id: r-1\nname: High confidence tailgate\n",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.CreateRule(ctx, rule))
	assert.ErrorIs(t, db.CreateRule(ctx, rule), ErrDuplicateRule)

	got, err := db.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, 5*time.Minute, got.Cooldown)

	disabled := *rule
	disabled.ID = "r-0"
	disabled.Enabled = false
	require.NoError(t, db.CreateRule(ctx, &disabled))

	all, err := db.GetAllRules(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := db.GetEnabledRules(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "r-1", enabled[0].ID)

	require.NoError(t, db.SetRuleEnabled(ctx, "r-0", true))
	enabled, err = db.GetEnabledRules(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 2)

	rule.Name = "Renamed"
	require.NoError(t, db.UpdateRule(ctx, "r-1", rule))
	got, err = db.GetRule(ctx, "r-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)

	require.NoError(t, db.DeleteRule(ctx, "r-0"))
	assert.ErrorIs(t, db.DeleteRule(ctx, "r-0"), ErrRuleNotFound)
	_, err = db.GetRule(ctx, "r-0")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}
