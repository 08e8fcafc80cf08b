// Package core contains the domain model for the overwatch alarm engine:
// events, alarms, the alarm state machine, rules, SLA policies, and the
// error taxonomy shared by every other package. It has no dependencies on
// storage or transport so that components can be tested in isolation.
package core
