package core

import "time"

// Rule is a stored declarative rule. Source holds the YAML when/then body;
// the rules engine compiles it into an expression tree at load time, so a
// stored rule with an unparseable body is a no-op, never a pipeline error.
// Rule CRUD never affects alarms already created.
type Rule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Enabled     bool          `json:"enabled"`
	Priority    int           `json:"priority"`
	Cooldown    time.Duration `json:"cooldown,omitempty"`
	Source      string        `json:"source"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ActionType discriminates the closed set of rule action variants.
type ActionType string

const (
	// ActionNotify fans a rendered message out to notification channels.
	ActionNotify ActionType = "notify"
	// ActionAlarm creates or mutates the alarm correlated with the
	// triggering event (severity, runbook, escalation policy).
	ActionAlarm ActionType = "alarm.create_or_update"
)

// Action is one entry of a rule's then-list. Fields are populated according
// to Type; the zero values of the others are ignored.
type Action struct {
	Type ActionType `json:"type"`

	// notify
	Channels []string `json:"channels,omitempty"`
	Message  string   `json:"message,omitempty"`

	// alarm.create_or_update
	Severity   Severity `json:"severity,omitempty"`
	Runbook    string   `json:"runbook,omitempty"`
	Escalation string   `json:"escalation,omitempty"`
}
