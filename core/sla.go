package core

import "time"

// SLATarget holds the acknowledge/resolve targets for one severity.
type SLATarget struct {
	Acknowledge time.Duration `json:"acknowledge" yaml:"acknowledge" mapstructure:"acknowledge"`
	Resolve     time.Duration `json:"resolve" yaml:"resolve" mapstructure:"resolve"`
}

// SLAPolicy maps severity to its targets. Read-only configuration consumed
// by the alarm service and the SLA monitor.
type SLAPolicy map[Severity]SLATarget

// DefaultSLAPolicy returns the built-in targets.
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		SeverityCritical: {Acknowledge: 2 * time.Minute, Resolve: 60 * time.Minute},
		SeverityMajor:    {Acknowledge: 5 * time.Minute, Resolve: 120 * time.Minute},
		SeverityMinor:    {Acknowledge: 15 * time.Minute, Resolve: 480 * time.Minute},
		SeverityInfo:     {Acknowledge: 60 * time.Minute, Resolve: 1440 * time.Minute},
	}
}

// Deadline computes the SLA deadline for an alarm: the acknowledge target
// while the alarm is NEW, the resolve target afterwards. Both are anchored
// at alarm creation so acknowledging never extends the overall budget.
func (p SLAPolicy) Deadline(severity Severity, state AlarmState, createdAt time.Time) time.Time {
	target, ok := p[severity]
	if !ok {
		target = DefaultSLAPolicy()[SeverityInfo]
	}
	if state == StateNew {
		return createdAt.Add(target.Acknowledge)
	}
	return createdAt.Add(target.Resolve)
}
