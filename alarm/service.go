// Package alarm owns every alarm mutation. All writes follow the same
// read-current-version / compute / conditional-write sequence so concurrent
// attempts on the same alarm are detected through the version counter and
// retried, never interleaved. No code outside this package writes alarm
// fields.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"overwatch/core"
	"overwatch/metrics"
	"overwatch/storage"
	"overwatch/util/goroutine"
)

// maxRetries bounds the conflict retry loop before the transient error is
// surfaced to the caller.
const maxRetries = 3

// Mutation describes one committed alarm change, delivered to sinks after
// the write is durable. Actor identifies who drove the change; rule-driven
// mutations carry a "rule:" prefix so hooks can avoid re-entering the engine.
type Mutation struct {
	Alarm  *core.Alarm
	Action string
	Actor  string
}

// Mutation actions delivered to sinks.
const (
	MutationCreated      = "created"
	MutationCorrelated   = "event_correlated"
	MutationTransitioned = "transitioned"
	MutationUpdated      = "updated"
	MutationSLABreached  = "sla_breached"
)

// Service executes alarm mutations against the store.
type Service struct {
	store  storage.AlarmStorage
	policy core.SLAPolicy
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	sinks []func(Mutation)
}

// NewService creates an alarm service. A nil policy falls back to defaults.
func NewService(store storage.AlarmStorage, policy core.SLAPolicy, logger *zap.SugaredLogger) *Service {
	if policy == nil {
		policy = core.DefaultSLAPolicy()
	}
	return &Service{store: store, policy: policy, logger: logger}
}

// Subscribe registers a sink invoked after every durable mutation. Sinks
// run on their own goroutine; the mutating caller never blocks on them.
func (s *Service) Subscribe(sink func(Mutation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Service) notifySinks(alarm *core.Alarm, action, actor string) {
	s.mu.RLock()
	sinks := append([]func(Mutation){}, s.sinks...)
	s.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	go func() {
		defer goroutine.Recover("alarm-mutation-sinks", s.logger)
		for _, sink := range sinks {
			sink(Mutation{Alarm: alarm.Clone(), Action: action, Actor: actor})
		}
	}()
}

// Get returns the alarm by id.
func (s *Service) Get(ctx context.Context, id string) (*core.Alarm, error) {
	return s.store.GetAlarm(ctx, id)
}

// List returns alarms matching the filters plus the total count.
func (s *Service) List(ctx context.Context, filters *core.AlarmFilters) ([]*core.Alarm, int64, error) {
	return s.store.ListAlarms(ctx, filters)
}

// CreateFromEvent creates a NEW alarm with the event as its sole member and
// an SLA deadline from policy.
func (s *Service) CreateFromEvent(ctx context.Context, event *core.Event) (*core.Alarm, error) {
	now := time.Now().UTC()
	a := core.NewAlarmFromEvent(event, now)
	a.SLADeadline = s.policy.Deadline(a.Severity, a.State, a.CreatedAt)
	if err := s.store.CreateAlarm(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create alarm for %s: %w", event, err)
	}
	metrics.AlarmsCreated.WithLabelValues(string(a.Severity), a.Site).Inc()
	s.notifySinks(a, MutationCreated, "system")
	return a, nil
}

// errNoChange signals that the closure found nothing to write; the loop
// returns the current alarm without a version bump or history entry.
var errNoChange = errors.New("no change")

// mutate runs the read/compute/conditional-write loop. The closure mutates
// a private copy and is responsible for its own history entry; mutate bumps
// the version and retries on conflict.
func (s *Service) mutate(ctx context.Context, id, action, actor string, fn func(*core.Alarm) error) (*core.Alarm, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		current, err := s.store.GetAlarm(ctx, id)
		if err != nil {
			return nil, err
		}
		expected := current.Version
		if err := fn(current); err != nil {
			if errors.Is(err, errNoChange) {
				return current, nil
			}
			return nil, err
		}
		current.Version = expected + 1
		err = s.store.UpdateAlarmCAS(ctx, current, expected)
		if err == nil {
			s.notifySinks(current, action, actor)
			return current, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return nil, err
		}
		metrics.ConcurrencyConflicts.Inc()
		s.logger.Debugw("alarm write conflict, retrying",
			"alarm_id", id, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: alarm %s after %d attempts", core.ErrConcurrentModification, id, maxRetries)
}

// AttachEvent appends a correlated event to a non-terminal alarm.
func (s *Service) AttachEvent(ctx context.Context, id string, event *core.Event) (*core.Alarm, error) {
	a, err := s.mutate(ctx, id, MutationCorrelated, "system", func(a *core.Alarm) error {
		if a.State.IsTerminal() {
			return fmt.Errorf("%w: cannot attach event to %s alarm", core.ErrInvalidTransition, a.State)
		}
		a.AttachEvent(event, time.Now().UTC())
		// Severity may have risen; the deadline follows the policy for the
		// new severity.
		a.SLADeadline = s.policy.Deadline(a.Severity, a.State, a.CreatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.EventsCorrelated.Inc()
	return a, nil
}

// Transition executes a state machine action.
func (s *Service) Transition(ctx context.Context, id string, to core.AlarmState, actor, note string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationTransitioned, actor, func(a *core.Alarm) error {
		if err := a.Transition(to, actor, note, time.Now().UTC()); err != nil {
			return err
		}
		a.SLADeadline = s.policy.Deadline(a.Severity, a.State, a.CreatedAt)
		return nil
	})
}

// Acknowledge moves a NEW alarm to TRIAGE.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*core.Alarm, error) {
	note := "acknowledged by " + actor
	return s.Transition(ctx, id, core.StateTriage, actor, note)
}

// Snooze parks the alarm for the duration; the SLA monitor wakes it.
func (s *Service) Snooze(ctx context.Context, id string, d time.Duration, actor, note string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationTransitioned, actor, func(a *core.Alarm) error {
		return a.Snooze(d, actor, note, time.Now().UTC())
	})
}

// Suppress marks the alarm as a false positive. A reason note is required.
func (s *Service) Suppress(ctx context.Context, id, actor, reason string) (*core.Alarm, error) {
	if reason == "" {
		return nil, core.ErrSuppressReasonRequired
	}
	return s.Transition(ctx, id, core.StateSuppressed, actor, reason)
}

// Wake returns a snoozed alarm to its pre-snooze state.
func (s *Service) Wake(ctx context.Context, id, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationTransitioned, actor, func(a *core.Alarm) error {
		return a.Wake(actor, time.Now().UTC())
	})
}

// requireOpen guards the field mutations that are legal in any non-terminal
// state but must not touch terminal alarms.
func requireOpen(a *core.Alarm) error {
	if a.State.IsTerminal() {
		return fmt.Errorf("%w: alarm is %s", core.ErrInvalidTransition, a.State)
	}
	return nil
}

// Assign sets the assignee. Assignment is independent of state transitions.
func (s *Service) Assign(ctx context.Context, id, assignee, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		a.Assignee = assignee
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionAssigned,
			Note:      "assigned to " + assignee,
		})
		return nil
	})
}

// UpdateSeverity escalates or de-escalates the alarm without changing state.
func (s *Service) UpdateSeverity(ctx context.Context, id string, severity core.Severity, actor string) (*core.Alarm, error) {
	if !severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", core.ErrValidation, severity)
	}
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		old := a.Severity
		a.Severity = severity
		a.SLADeadline = s.policy.Deadline(severity, a.State, a.CreatedAt)
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionSeverityChanged,
			Note:      fmt.Sprintf("severity changed from %s to %s", old, severity),
		})
		return nil
	})
}

// UpdateRunbook sets the runbook reference.
func (s *Service) UpdateRunbook(ctx context.Context, id, runbookID, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		a.RunbookID = runbookID
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionRunbookChanged,
			Note:      "runbook set to " + runbookID,
		})
		return nil
	})
}

// UpdateEscalationPolicy sets the escalation policy reference.
func (s *Service) UpdateEscalationPolicy(ctx context.Context, id, policy, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		a.EscalationPolicy = policy
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionPolicyChanged,
			Note:      "escalation policy set to " + policy,
		})
		return nil
	})
}

// AddWatcher subscribes an identity to the alarm's notifications.
func (s *Service) AddWatcher(ctx context.Context, id, identity, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		if a.HasWatcher(identity) {
			return errNoChange
		}
		a.Watchers = append(a.Watchers, identity)
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionWatcherAdded,
			Note:      identity,
		})
		return nil
	})
}

// RemoveWatcher unsubscribes an identity.
func (s *Service) RemoveWatcher(ctx context.Context, id, identity, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		if !a.HasWatcher(identity) {
			return errNoChange
		}
		kept := a.Watchers[:0]
		for _, w := range a.Watchers {
			if w != identity {
				kept = append(kept, w)
			}
		}
		a.Watchers = kept
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionWatcherRemoved,
			Note:      identity,
		})
		return nil
	})
}

// AddNote appends a user note to the alarm history.
func (s *Service) AddNote(ctx context.Context, id, note, actor string) (*core.Alarm, error) {
	if note == "" {
		return nil, fmt.Errorf("%w: note must not be empty", core.ErrValidation)
	}
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		a.UpdatedAt = time.Now().UTC()
		a.AppendHistory(core.HistoryEntry{
			Timestamp: a.UpdatedAt,
			Actor:     actor,
			Action:    core.HistoryActionNoteAdded,
			Note:      note,
		})
		return nil
	})
}

// MarkSLABreached flags the breach once. Returns (alarm, true) when this
// call flagged it, (alarm, false) when it was already flagged.
func (s *Service) MarkSLABreached(ctx context.Context, id string) (*core.Alarm, bool, error) {
	flagged := false
	a, err := s.mutate(ctx, id, MutationSLABreached, "system", func(a *core.Alarm) error {
		flagged = a.MarkSLABreached(time.Now().UTC())
		if !flagged {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if flagged {
		metrics.SLABreaches.WithLabelValues(string(a.Severity)).Inc()
	}
	return a, flagged, nil
}

// ApplyRuleMutation applies a rule's alarm.create_or_update action to an
// already correlated alarm: the severity is set outright (rules may both
// escalate and pin severity), runbook and escalation only when provided.
func (s *Service) ApplyRuleMutation(ctx context.Context, id string, action core.Action, actor string) (*core.Alarm, error) {
	return s.mutate(ctx, id, MutationUpdated, actor, func(a *core.Alarm) error {
		if err := requireOpen(a); err != nil {
			return err
		}
		now := time.Now().UTC()
		changed := false
		if action.Severity != "" && action.Severity.IsValid() && action.Severity != a.Severity {
			changed = true
			old := a.Severity
			a.Severity = action.Severity
			a.SLADeadline = s.policy.Deadline(a.Severity, a.State, a.CreatedAt)
			a.AppendHistory(core.HistoryEntry{
				Timestamp: now,
				Actor:     actor,
				Action:    core.HistoryActionSeverityChanged,
				Note:      fmt.Sprintf("severity changed from %s to %s", old, a.Severity),
			})
		}
		if action.Runbook != "" && action.Runbook != a.RunbookID {
			a.RunbookID = action.Runbook
			a.AppendHistory(core.HistoryEntry{
				Timestamp: now,
				Actor:     actor,
				Action:    core.HistoryActionRunbookChanged,
				Note:      "runbook set to " + action.Runbook,
			})
			changed = true
		}
		if action.Escalation != "" && action.Escalation != a.EscalationPolicy {
			a.EscalationPolicy = action.Escalation
			a.AppendHistory(core.HistoryEntry{
				Timestamp: now,
				Actor:     actor,
				Action:    core.HistoryActionPolicyChanged,
				Note:      "escalation policy set to " + action.Escalation,
			})
			changed = true
		}
		if !changed {
			return errNoChange
		}
		a.UpdatedAt = now
		return nil
	})
}
