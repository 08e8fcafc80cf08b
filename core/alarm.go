package core

import (
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one immutable audit record on an alarm. Every successful
// mutating operation appends exactly one entry.
type HistoryEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Actor     string     `json:"actor,omitempty"`
	Action    string     `json:"action"`
	FromState AlarmState `json:"from_state,omitempty"`
	ToState   AlarmState `json:"to_state,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// History actions recorded by the engine.
const (
	HistoryActionCreated         = "created"
	HistoryActionEventCorrelated = "event_correlated"
	HistoryActionTransition      = "transition"
	HistoryActionAssigned        = "assigned"
	HistoryActionSeverityChanged = "severity_changed"
	HistoryActionRunbookChanged  = "runbook_changed"
	HistoryActionPolicyChanged   = "escalation_policy_changed"
	HistoryActionWatcherAdded    = "watcher_added"
	HistoryActionWatcherRemoved  = "watcher_removed"
	HistoryActionNoteAdded       = "note_added"
	HistoryActionSLABreached     = "sla_breached"
	HistoryActionSnoozeWake      = "snooze_wake"
)

// Alarm is a correlated, stateful incident aggregating one or more events.
// Alarms are mutated exclusively through alarm.Service, which serializes
// writers via the Version counter; nothing else writes these fields.
type Alarm struct {
	ID               string         `json:"id"`
	GroupKey         string         `json:"group_key"`
	Tenant           string         `json:"tenant"`
	Site             string         `json:"site"`
	State            AlarmState     `json:"state"`
	PriorState       AlarmState     `json:"prior_state,omitempty"`
	Severity         Severity       `json:"severity"`
	Confidence       float64        `json:"confidence"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Assignee         string         `json:"assignee,omitempty"`
	Watchers         []string       `json:"watchers,omitempty"`
	EventIDs         []string       `json:"event_ids"`
	History          []HistoryEntry `json:"history"`
	RunbookID        string         `json:"runbook_id,omitempty"`
	EscalationPolicy string         `json:"escalation_policy,omitempty"`
	SLADeadline      time.Time      `json:"sla_deadline,omitempty"`
	SLABreached      bool           `json:"sla_breached"`
	SnoozeUntil      time.Time      `json:"snooze_until,omitempty"`

	// Version is the optimistic concurrency counter. A conditional write
	// succeeds only when the stored version matches the one the caller read.
	Version int64 `json:"version"`
}

// NewAlarmFromEvent creates an alarm in the initial state with the event as
// its sole member. The SLA deadline is assigned by the caller from policy.
func NewAlarmFromEvent(e *Event, now time.Time) *Alarm {
	severity := e.Severity
	if !severity.IsValid() {
		severity = SeverityInfo
	}
	a := &Alarm{
		ID:         "alm_" + uuid.New().String(),
		GroupKey:   e.GroupKey(),
		Tenant:     e.Tenant,
		Site:       e.Site,
		State:      StateNew,
		Severity:   severity,
		Confidence: e.Confidence(0.5),
		CreatedAt:  now,
		UpdatedAt:  now,
		EventIDs:   []string{e.ID},
		Version:    1,
	}
	a.AppendHistory(HistoryEntry{
		Timestamp: now,
		Action:    HistoryActionCreated,
		ToState:   StateNew,
		Note:      "created from event " + e.ID,
	})
	return a
}

// AppendHistory appends one entry. History is strictly append-only.
func (a *Alarm) AppendHistory(entry HistoryEntry) {
	a.History = append(a.History, entry)
}

// AttachEvent appends an event to a non-terminal alarm and raises severity
// to the maximum of the existing and incoming values.
func (a *Alarm) AttachEvent(e *Event, now time.Time) {
	a.EventIDs = append(a.EventIDs, e.ID)
	a.Severity = MaxSeverity(a.Severity, e.Severity)
	a.Confidence = (a.Confidence + e.Confidence(a.Confidence)) / 2
	a.UpdatedAt = now
	a.AppendHistory(HistoryEntry{
		Timestamp: now,
		Action:    HistoryActionEventCorrelated,
		Note:      "event " + e.ID + " correlated",
	})
}

// HasWatcher reports whether the identity is already watching the alarm.
func (a *Alarm) HasWatcher(identity string) bool {
	for _, w := range a.Watchers {
		if w == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. The service layer mutates copies so that a
// failed conditional write leaves the caller's view untouched.
func (a *Alarm) Clone() *Alarm {
	dup := *a
	dup.Watchers = append([]string(nil), a.Watchers...)
	dup.EventIDs = append([]string(nil), a.EventIDs...)
	dup.History = append([]HistoryEntry(nil), a.History...)
	return &dup
}
