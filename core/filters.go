package core

import "time"

// AlarmFilters narrows alarm list queries. Zero values mean "no filter".
type AlarmFilters struct {
	Tenant   string
	Site     string
	State    AlarmState
	Severity Severity
	Assignee string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
