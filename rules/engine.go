package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"overwatch/core"
	"overwatch/metrics"
	"overwatch/storage"
)

// Phase identifies when in the event pipeline a rule is being evaluated.
type Phase string

const (
	// PhaseEvent runs before correlation; only notify actions fire.
	PhaseEvent Phase = "event"
	// PhaseCorrelated runs after the event has joined an alarm; alarm
	// mutations and notify actions fire.
	PhaseCorrelated Phase = "correlated"
	// PhaseAlarm runs on alarm mutations outside the event path, such as
	// manual transitions and SLA breaches. No event is in scope.
	PhaseAlarm Phase = "alarm"
)

// Firing is a single action emitted by a matched rule.
type Firing struct {
	Rule   core.Rule
	Action core.Action
}

// Engine evaluates compiled rules in a stable order: ascending priority,
// then rule ID. A rule that errors is isolated; the rest still run.
type Engine struct {
	store  storage.RuleStorage
	logger *zap.SugaredLogger

	mu       sync.RWMutex
	compiled []*Compiled
	lastFire map[string]time.Time

	now func() time.Time
}

// NewEngine creates an engine bound to rule storage. Call Reload to compile
// the stored rules before evaluating.
func NewEngine(store storage.RuleStorage, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		logger:   logger,
		lastFire: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reload recompiles all enabled rules from storage. A rule whose stored
// source no longer compiles is skipped with an error log.
func (e *Engine) Reload(ctx context.Context) error {
	stored, err := e.store.GetEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	compiled := make([]*Compiled, 0, len(stored))
	for _, rule := range stored {
		c, err := Parse([]byte(rule.Source))
		if err != nil {
			e.logger.Errorf("Skipping rule %s: %v", rule.ID, err)
			continue
		}
		// Storage metadata wins over whatever the source document says.
		c.Rule = rule
		compiled = append(compiled, c)
	}
	sortCompiled(compiled)

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	e.logger.Infof("rule engine loaded %d rules", len(compiled))
	return nil
}

// SetRules installs an already-compiled rule set, replacing storage-loaded
// rules. Used by tests and by file-based rule loading.
func (e *Engine) SetRules(compiled []*Compiled) {
	sorted := make([]*Compiled, len(compiled))
	copy(sorted, compiled)
	sortCompiled(sorted)
	e.mu.Lock()
	e.compiled = sorted
	e.mu.Unlock()
}

func sortCompiled(compiled []*Compiled) {
	sort.Slice(compiled, func(i, j int) bool {
		if compiled[i].Rule.Priority != compiled[j].Rule.Priority {
			return compiled[i].Rule.Priority < compiled[j].Rule.Priority
		}
		return compiled[i].Rule.ID < compiled[j].Rule.ID
	})
}

// EvaluateEvent runs the pre-correlation phase. Only notify actions are
// eligible; alarm mutations need a correlated alarm.
func (e *Engine) EvaluateEvent(event *core.Event) []Firing {
	return e.evaluate(PhaseEvent, &EvalContext{Event: event}, event.GroupKey())
}

// EvaluateCorrelated runs the post-correlation phase against the event and
// the alarm it joined.
func (e *Engine) EvaluateCorrelated(event *core.Event, alarm *core.Alarm) []Firing {
	return e.evaluate(PhaseCorrelated, &EvalContext{Event: event, Alarm: alarm}, alarm.GroupKey)
}

// EvaluateAlarm runs the mutation phase against the alarm alone. Conditions
// on event fields resolve as absent here.
func (e *Engine) EvaluateAlarm(alarm *core.Alarm) []Firing {
	return e.evaluate(PhaseAlarm, &EvalContext{Alarm: alarm}, alarm.GroupKey)
}

func (e *Engine) evaluate(phase Phase, ctx *EvalContext, groupKey string) []Firing {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	var firings []Firing
	now := e.now()
	for _, rule := range compiled {
		matched, err := e.evalRule(rule, ctx)
		if err != nil {
			e.logger.Errorw("rule evaluation failed",
				"rule_id", rule.Rule.ID, "phase", string(phase), "error", err)
			continue
		}
		if !matched {
			continue
		}
		if e.inCooldown(rule, phase, groupKey, now) {
			continue
		}

		fired := false
		for _, action := range rule.Actions {
			// Alarm mutations need a correlated alarm; every other phase
			// fires the full action list and the caller dedupes notify
			// deliveries across phases.
			if phase == PhaseEvent && action.Type != core.ActionNotify {
				continue
			}
			firings = append(firings, Firing{Rule: rule.Rule, Action: action})
			fired = true
		}
		if fired {
			e.markFired(rule, phase, groupKey, now)
			metrics.RuleTriggers.WithLabelValues(rule.Rule.ID).Inc()
		}
	}
	return firings
}

// evalRule isolates panics from a single rule's condition tree.
func (e *Engine) evalRule(rule *Compiled, ctx *EvalContext) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("%w: rule %s panicked: %v", core.ErrRuleEvaluation, rule.Rule.ID, r)
		}
	}()
	matched, err = rule.Condition.Eval(ctx)
	if err != nil && !errors.Is(err, core.ErrRuleEvaluation) {
		err = fmt.Errorf("%w: %v", core.ErrRuleEvaluation, err)
	}
	return matched, err
}

func cooldownKey(ruleID string, phase Phase, groupKey string) string {
	return ruleID + "|" + string(phase) + "|" + groupKey
}

func (e *Engine) inCooldown(rule *Compiled, phase Phase, groupKey string, now time.Time) bool {
	if rule.Rule.Cooldown <= 0 {
		return false
	}
	e.mu.RLock()
	last, ok := e.lastFire[cooldownKey(rule.Rule.ID, phase, groupKey)]
	e.mu.RUnlock()
	return ok && now.Sub(last) < rule.Rule.Cooldown
}

func (e *Engine) markFired(rule *Compiled, phase Phase, groupKey string, now time.Time) {
	if rule.Rule.Cooldown <= 0 {
		return
	}
	e.mu.Lock()
	e.lastFire[cooldownKey(rule.Rule.ID, phase, groupKey)] = now
	e.mu.Unlock()
}
