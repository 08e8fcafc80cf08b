package storage

import "errors"

// Storage error constants
var (
	// ErrAlarmNotFound is returned when an alarm is not found
	ErrAlarmNotFound = errors.New("alarm not found")

	// ErrEventNotFound is returned when an event is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrRuleNotFound is returned when a rule is not found
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDuplicateRule is returned when creating a rule whose id exists
	ErrDuplicateRule = errors.New("rule already exists")

	// ErrDuplicateAlarm is returned when creating an alarm whose id exists
	ErrDuplicateAlarm = errors.New("alarm already exists")

	// ErrVersionConflict is returned when a conditional write loses the
	// version race; callers translate it to core.ErrConcurrentModification
	ErrVersionConflict = errors.New("version conflict")

	// ErrDatabaseClosed is returned when using a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)
