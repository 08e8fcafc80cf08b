package core

import (
	"fmt"
	"time"
)

// validTransitions enumerates the legal (from-state, to-state) pairs.
// SNOOZED may return to any of the four working states because the snooze
// wake-up restores whatever state the alarm was in when it was snoozed.
var validTransitions = map[AlarmState][]AlarmState{
	StateNew:        {StateTriage, StateSnoozed, StateSuppressed},
	StateTriage:     {StateActive, StateResolved, StateSnoozed, StateSuppressed},
	StateActive:     {StateContained, StateResolved, StateSnoozed, StateSuppressed},
	StateContained:  {StateActive, StateResolved, StateSnoozed, StateSuppressed},
	StateResolved:   {StateActive, StateClosed, StateSuppressed},
	StateSnoozed:    {StateNew, StateTriage, StateActive, StateContained, StateSuppressed},
	StateSuppressed: {StateClosed},
	StateClosed:     {},
}

// CanTransition checks whether from → to is in the legal transition table.
func CanTransition(from, to AlarmState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the legal targets from a state.
func AllowedTransitions(from AlarmState) []AlarmState {
	allowed := validTransitions[from]
	out := make([]AlarmState, len(allowed))
	copy(out, allowed)
	return out
}

// Transition validates and executes a state change on the alarm, appending
// one history entry. Returns ErrInvalidTransition without mutating anything
// when the pair is not in the table. Suppression requires a reason note.
func (a *Alarm) Transition(to AlarmState, actor, note string, now time.Time) error {
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, to)
	}
	if !CanTransition(a.State, to) {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, a.State, to, AllowedTransitions(a.State))
	}
	if to == StateSuppressed && note == "" {
		return ErrSuppressReasonRequired
	}

	from := a.State
	if to == StateSnoozed {
		a.PriorState = from
	} else {
		// Leaving SNOOZED by any path clears the snooze bookkeeping.
		a.PriorState = ""
		a.SnoozeUntil = time.Time{}
	}
	a.State = to
	a.UpdatedAt = now
	a.AppendHistory(HistoryEntry{
		Timestamp: now,
		Actor:     actor,
		Action:    HistoryActionTransition,
		FromState: from,
		ToState:   to,
		Note:      note,
	})
	return nil
}

// Snooze transitions the alarm to SNOOZED for the given duration, recording
// the state to wake back into.
func (a *Alarm) Snooze(d time.Duration, actor, note string, now time.Time) error {
	if d <= 0 {
		return fmt.Errorf("%w: snooze duration must be positive", ErrValidation)
	}
	if err := a.Transition(StateSnoozed, actor, note, now); err != nil {
		return err
	}
	a.SnoozeUntil = now.Add(d)
	return nil
}

// Wake returns a snoozed alarm to its pre-snooze state. Called by the SLA
// monitor once the snooze deadline has passed, and by a manual un-snooze.
func (a *Alarm) Wake(actor string, now time.Time) error {
	if a.State != StateSnoozed {
		return fmt.Errorf("%w: wake from %s", ErrInvalidTransition, a.State)
	}
	prior := a.PriorState
	if prior == "" {
		prior = StateTriage
	}
	from := a.State
	a.State = prior
	a.PriorState = ""
	a.SnoozeUntil = time.Time{}
	a.UpdatedAt = now
	a.AppendHistory(HistoryEntry{
		Timestamp: now,
		Actor:     actor,
		Action:    HistoryActionSnoozeWake,
		FromState: from,
		ToState:   prior,
	})
	return nil
}

// MarkSLABreached flags the breach and appends a history entry. The flag is
// set at most once per alarm; subsequent sweeps are no-ops.
func (a *Alarm) MarkSLABreached(now time.Time) bool {
	if a.SLABreached {
		return false
	}
	a.SLABreached = true
	a.UpdatedAt = now
	a.AppendHistory(HistoryEntry{
		Timestamp: now,
		Action:    HistoryActionSLABreached,
		Note:      fmt.Sprintf("SLA deadline %s exceeded", a.SLADeadline.Format(time.RFC3339)),
	})
	return true
}
