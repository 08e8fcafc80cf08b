package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarm_Transition_ValidTransitions(t *testing.T) {
	testCases := []struct {
		name      string
		from      AlarmState
		to        AlarmState
		shouldErr bool
	}{
		{"New to Triage", StateNew, StateTriage, false},
		{"New to Snoozed", StateNew, StateSnoozed, false},
		{"Triage to Active", StateTriage, StateActive, false},
		{"Triage to Resolved", StateTriage, StateResolved, false},
		{"Active to Contained", StateActive, StateContained, false},
		{"Active to Resolved", StateActive, StateResolved, false},
		{"Contained to Active", StateContained, StateActive, false},
		{"Contained to Resolved", StateContained, StateResolved, false},
		{"Resolved to Active", StateResolved, StateActive, false},
		{"Resolved to Closed", StateResolved, StateClosed, false},
		{"Suppressed to Closed", StateSuppressed, StateClosed, false},

		{"New to Active", StateNew, StateActive, true},
		{"New to Resolved", StateNew, StateResolved, true},
		{"New to Closed", StateNew, StateClosed, true},
		{"Triage to Contained", StateTriage, StateContained, true},
		{"Resolved to Triage", StateResolved, StateTriage, true},
		{"Closed to any state", StateClosed, StateActive, true},
		{"Closed to Resolved", StateClosed, StateResolved, true},
		{"Suppressed to Active", StateSuppressed, StateActive, true},
	}

	now := time.Now().UTC()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := &Alarm{ID: "alm-1", State: tc.from}

			err := a.Transition(tc.to, "user-1", "moving on", now)
			if tc.shouldErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tc.from, a.State)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, a.State)
			}
		})
	}
}

func TestAlarm_Transition_InvalidLeavesAlarmUntouched(t *testing.T) {
	now := time.Now().UTC()
	a := &Alarm{ID: "alm-1", State: StateNew, Version: 3}
	historyBefore := len(a.History)
	updatedBefore := a.UpdatedAt

	err := a.Transition(StateResolved, "user-1", "", now)
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, StateNew, a.State)
	assert.Len(t, a.History, historyBefore)
	assert.Equal(t, updatedBefore, a.UpdatedAt)
	assert.Equal(t, int64(3), a.Version)
}

func TestAlarm_Transition_SuppressRequiresReason(t *testing.T) {
	now := time.Now().UTC()
	a := &Alarm{ID: "alm-1", State: StateActive}

	err := a.Transition(StateSuppressed, "user-1", "", now)
	require.ErrorIs(t, err, ErrSuppressReasonRequired)
	assert.Equal(t, StateActive, a.State)

	err = a.Transition(StateSuppressed, "user-1", "known flapping sensor", now)
	require.NoError(t, err)
	assert.Equal(t, StateSuppressed, a.State)
	require.Len(t, a.History, 1)
	assert.Equal(t, "known flapping sensor", a.History[0].Note)
}

func TestAlarm_SnoozeAndWake_RestoresPriorState(t *testing.T) {
	now := time.Now().UTC()
	a := &Alarm{ID: "alm-1", State: StateActive}

	require.NoError(t, a.Snooze(30*time.Minute, "user-1", "waiting on vendor", now))
	assert.Equal(t, StateSnoozed, a.State)
	assert.Equal(t, StateActive, a.PriorState)
	assert.Equal(t, now.Add(30*time.Minute), a.SnoozeUntil)

	require.NoError(t, a.Wake("system", now.Add(31*time.Minute)))
	assert.Equal(t, StateActive, a.State)
	assert.Equal(t, AlarmState(""), a.PriorState)
	assert.True(t, a.SnoozeUntil.IsZero())

	// One entry for the snooze, one for the wake.
	assert.Len(t, a.History, 2)
	assert.Equal(t, HistoryActionSnoozeWake, a.History[1].Action)
}

func TestAlarm_Snooze_RejectsNonPositiveDuration(t *testing.T) {
	a := &Alarm{ID: "alm-1", State: StateNew}
	err := a.Snooze(0, "user-1", "", time.Now().UTC())
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, StateNew, a.State)
}

func TestAlarm_Wake_DefaultsToTriage(t *testing.T) {
	now := time.Now().UTC()
	a := &Alarm{ID: "alm-1", State: StateSnoozed}

	require.NoError(t, a.Wake("system", now))
	assert.Equal(t, StateTriage, a.State)
}

func TestAlarm_Wake_FromNonSnoozedFails(t *testing.T) {
	a := &Alarm{ID: "alm-1", State: StateActive}
	err := a.Wake("system", time.Now().UTC())
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAlarm_MarkSLABreached_SetOnce(t *testing.T) {
	now := time.Now().UTC()
	a := &Alarm{ID: "alm-1", State: StateNew, SLADeadline: now.Add(-time.Minute)}

	assert.True(t, a.MarkSLABreached(now))
	assert.True(t, a.SLABreached)
	assert.Len(t, a.History, 1)

	// Second call is a no-op.
	assert.False(t, a.MarkSLABreached(now.Add(time.Second)))
	assert.Len(t, a.History, 1)
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StateSuppressed.IsTerminal())
	assert.True(t, StateClosed.IsTerminal())

	for _, s := range []AlarmState{StateNew, StateTriage, StateActive, StateContained, StateResolved, StateSnoozed} {
		assert.False(t, s.IsTerminal(), "state %s", s)
	}
}

func TestAllowedTransitions_ReturnsCopy(t *testing.T) {
	first := AllowedTransitions(StateNew)
	require.NotEmpty(t, first)
	first[0] = StateClosed
	assert.NotEqual(t, first[0], AllowedTransitions(StateNew)[0])
}
