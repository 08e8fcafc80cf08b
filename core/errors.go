package core

import "errors"

// Error taxonomy. Only ErrValidation and an exhausted ErrConcurrentModification
// retry loop are surfaced to the caller of a mutating operation; the remaining
// kinds are absorbed and logged by the component that hit them.
var (
	// ErrValidation is returned when an event fails ingest validation.
	// The event is rejected before correlation and never partially processed.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned for state machine actions not present
	// in the legal transition table. The alarm is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrConcurrentModification is returned when a conditional write loses a
	// version race. The caller re-reads and retries.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrRuleEvaluation marks a rule that could not be evaluated. Caught
	// per-rule and logged, never propagated to the event pipeline.
	ErrRuleEvaluation = errors.New("rule evaluation failed")

	// ErrNotificationDelivery marks a channel delivery failure. Retried with
	// backoff, then logged as permanently failed. Never fatal to the core.
	ErrNotificationDelivery = errors.New("notification delivery failed")

	// ErrSuppressReasonRequired is returned when a suppress transition is
	// attempted without a reason note.
	ErrSuppressReasonRequired = errors.New("suppress requires a reason note")
)
