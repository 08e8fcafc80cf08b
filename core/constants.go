package core

// AlarmState represents where an alarm is in its lifecycle.
type AlarmState string

const (
	// StateNew is the initial state of a freshly correlated alarm.
	StateNew AlarmState = "NEW"
	// StateTriage means the alarm has been acknowledged and is under review.
	StateTriage AlarmState = "TRIAGE"
	// StateActive means the incident is confirmed and being worked.
	StateActive AlarmState = "ACTIVE"
	// StateContained means the incident is contained but not yet resolved.
	StateContained AlarmState = "CONTAINED"
	// StateResolved means the incident has been resolved. Still re-openable.
	StateResolved AlarmState = "RESOLVED"
	// StateSnoozed is a temporary side state; the SLA monitor returns the
	// alarm to its prior state once the snooze duration elapses.
	StateSnoozed AlarmState = "SNOOZED"
	// StateSuppressed is terminal and marks a false positive.
	StateSuppressed AlarmState = "SUPPRESSED"
	// StateClosed is terminal and marks permanent archival.
	StateClosed AlarmState = "CLOSED"
)

// String returns the string representation.
func (s AlarmState) String() string {
	return string(s)
}

// IsValid checks whether the state is a known lifecycle state.
func (s AlarmState) IsValid() bool {
	switch s {
	case StateNew, StateTriage, StateActive, StateContained,
		StateResolved, StateSnoozed, StateSuppressed, StateClosed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state accepts no further correlated events
// and no further transitions except explicit archival.
func (s AlarmState) IsTerminal() bool {
	return s == StateSuppressed || s == StateClosed
}

// OpenStates are the states in which an alarm still accepts correlated
// events and participates in SLA sweeps.
func OpenStates() []AlarmState {
	return []AlarmState{StateNew, StateTriage, StateActive, StateContained, StateResolved, StateSnoozed}
}

// AllStates enumerates every lifecycle state, terminal ones included.
func AllStates() []AlarmState {
	return append(OpenStates(), StateSuppressed, StateClosed)
}

// Severity classifies events and alarms. Severity is independently mutable
// on an alarm and is not tied to its state.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     1,
	SeverityMinor:    2,
	SeverityMajor:    3,
	SeverityCritical: 4,
}

// String returns the string representation.
func (s Severity) String() string {
	return string(s)
}

// IsValid checks whether the severity is one of the four known levels.
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank returns the ordering of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRank[s]
}

// MaxSeverity returns the higher of two severities. Unknown values rank
// lowest so a malformed producer hint never downgrades an alarm.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Escalate returns the next severity up, or the input when already critical
// or unknown.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityMinor
	case SeverityMinor:
		return SeverityMajor
	case SeverityMajor:
		return SeverityCritical
	default:
		return s
	}
}
