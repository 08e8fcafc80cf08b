package core

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	// BreakerClosed means requests pass through normally.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen means requests fail immediately.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen means a probe request is testing recovery.
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned by Allow while the circuit is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used for notification channels.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 3, Cooldown: time.Minute}
}

// Breaker is a minimal circuit breaker guarding an external collaborator
// such as a notification channel. After MaxFailures consecutive failures
// the circuit opens; once the cooldown passes a single probe is let
// through, and its outcome closes or re-opens the circuit.
type Breaker struct {
	cfg      BreakerConfig
	state    BreakerState
	failures int
	lastFail time.Time
	probing  bool
	mu       sync.Mutex
}

// NewBreaker creates a Breaker, falling back to defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFail) > b.cfg.Cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			return nil
		}
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts the failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = time.Now()
	b.probing = false
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.state = BreakerOpen
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
