// Package notify delivers best-effort notifications for rule firings and
// SLA breaches. Delivery never blocks or fails the event pipeline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"overwatch/alarm"
	"overwatch/core"
	"overwatch/metrics"
	"overwatch/storage"
	"overwatch/util/goroutine"
)

// DecisionKind distinguishes why a notification was emitted.
type DecisionKind string

const (
	KindRule   DecisionKind = "rule"
	KindBreach DecisionKind = "sla_breach"
)

// Decision is a fully-resolved request to notify: which channels, about
// which alarm, with what message.
type Decision struct {
	Kind      DecisionKind
	AlarmID   string
	GroupKey  string
	Severity  core.Severity
	Channels  []string
	Message   string
	RuleID    string
	CreatedAt time.Time
}

// Dispatcher fans decisions out to channels with bounded retry and a
// circuit breaker per channel. Queue overflow drops the decision; delivery
// is best effort by contract.
type Dispatcher struct {
	channels map[string]Channel
	breakers map[string]*core.Breaker
	store    storage.AlarmStorage
	alarms   *alarm.Service
	logger   *zap.SugaredLogger

	queue      chan *Decision
	maxRetries int
	baseDelay  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewDispatcher creates a dispatcher over the given channels. alarms may be
// nil; when set, permanent delivery failures are recorded as alarm notes.
func NewDispatcher(channels []Channel, store storage.AlarmStorage, alarms *alarm.Service, logger *zap.SugaredLogger) *Dispatcher {
	byName := make(map[string]Channel, len(channels))
	breakers := make(map[string]*core.Breaker, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
		breakers[ch.Name()] = core.NewBreaker(core.DefaultBreakerConfig())
	}
	return &Dispatcher{
		channels:   byName,
		breakers:   breakers,
		store:      store,
		alarms:     alarms,
		logger:     logger,
		queue:      make(chan *Decision, 1024),
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func(id int) {
			defer d.wg.Done()
			defer goroutine.Recover(fmt.Sprintf("notify-worker-%d", id), d.logger)
			for {
				select {
				case <-ctx.Done():
					return
				case decision := <-d.queue:
					d.deliver(ctx, decision)
				}
			}
		}(i)
	}
}

// Stop cancels the workers and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
	})
}

// Enqueue accepts a decision for asynchronous delivery. A full queue drops
// the decision with a log entry rather than blocking the caller.
func (d *Dispatcher) Enqueue(decision *Decision) {
	if decision.CreatedAt.IsZero() {
		decision.CreatedAt = time.Now().UTC()
	}
	decision.Severity = severityOrInfo(decision.Severity)
	select {
	case d.queue <- decision:
	default:
		d.logger.Warnw("notification queue full, dropping decision",
			"alarm_id", decision.AlarmID, "kind", string(decision.Kind))
		for _, name := range decision.Channels {
			metrics.NotificationsSent.WithLabelValues(name, "dropped").Inc()
		}
	}
}

// NotifyRule enqueues delivery for a notify rule firing against an alarm.
func (d *Dispatcher) NotifyRule(a *core.Alarm, ruleID string, channels []string, message string) {
	if message == "" {
		message = fmt.Sprintf("rule %s matched alarm %s", ruleID, a.ID)
	}
	d.Enqueue(&Decision{
		Kind:     KindRule,
		AlarmID:  a.ID,
		GroupKey: a.GroupKey,
		Severity: a.Severity,
		Channels: channels,
		Message:  message,
		RuleID:   ruleID,
	})
}

// NotifyBreach enqueues delivery for an SLA breach on all channels.
func (d *Dispatcher) NotifyBreach(_ context.Context, a *core.Alarm) {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	d.Enqueue(&Decision{
		Kind:     KindBreach,
		AlarmID:  a.ID,
		GroupKey: a.GroupKey,
		Severity: a.Severity,
		Channels: names,
		Message:  fmt.Sprintf("SLA deadline breached for alarm %s (%s, state %s)", a.ID, a.Severity, a.State),
	})
}

func (d *Dispatcher) deliver(ctx context.Context, decision *Decision) {
	if d.stale(ctx, decision) {
		d.logger.Debugw("dropping notification for closed alarm", "alarm_id", decision.AlarmID)
		for _, name := range decision.Channels {
			metrics.NotificationsSent.WithLabelValues(name, "stale").Inc()
		}
		return
	}

	for _, name := range decision.Channels {
		channel, ok := d.channels[name]
		if !ok {
			d.logger.Warnw("unknown notification channel", "channel", name, "alarm_id", decision.AlarmID)
			metrics.NotificationsSent.WithLabelValues(name, "unknown_channel").Inc()
			continue
		}
		if err := d.sendWithRetry(ctx, channel, decision); err != nil {
			metrics.NotificationsSent.WithLabelValues(name, "failure").Inc()
			d.logger.Errorw("notification delivery failed permanently",
				"channel", name, "alarm_id", decision.AlarmID, "error", err)
			d.recordFailure(ctx, decision, name, err)
		} else {
			metrics.NotificationsSent.WithLabelValues(name, "success").Inc()
		}
	}
}

// stale reports whether the alarm closed before the first delivery attempt.
func (d *Dispatcher) stale(ctx context.Context, decision *Decision) bool {
	a, err := d.store.GetAlarm(ctx, decision.AlarmID)
	if err != nil {
		// Unknown alarm means nothing to notify about.
		return errors.Is(err, storage.ErrAlarmNotFound)
	}
	return a.State == core.StateClosed
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, channel Channel, decision *Decision) error {
	breaker := d.breakers[channel.Name()]
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := breaker.Allow(); err != nil {
			lastErr = fmt.Errorf("%w: channel %s: %v", core.ErrNotificationDelivery, channel.Name(), err)
			continue
		}
		if err := channel.Send(ctx, decision); err != nil {
			breaker.RecordFailure()
			lastErr = fmt.Errorf("%w: channel %s attempt %d: %v", core.ErrNotificationDelivery, channel.Name(), attempt+1, err)
			continue
		}
		breaker.RecordSuccess()
		return nil
	}
	return lastErr
}

// recordFailure leaves a trace of the failed delivery on the alarm itself so
// operators see it in the history. The note is attributed to the rule that
// requested delivery so mutation hooks recognize it as rule-driven.
func (d *Dispatcher) recordFailure(ctx context.Context, decision *Decision, channel string, deliveryErr error) {
	if d.alarms == nil {
		return
	}
	actor := "system"
	if decision.RuleID != "" {
		actor = "rule:" + decision.RuleID
	}
	note := fmt.Sprintf("notification via %s failed: %v", channel, deliveryErr)
	if _, err := d.alarms.AddNote(ctx, decision.AlarmID, note, actor); err != nil {
		d.logger.Debugw("could not record delivery failure on alarm",
			"alarm_id", decision.AlarmID, "error", err)
	}
}
