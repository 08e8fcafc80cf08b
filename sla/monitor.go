// Package sla runs the background sweep that flags deadline breaches and
// wakes snoozed alarms.
package sla

import (
	"context"
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

const (
	// DefaultSweepInterval balances breach-detection latency against
	// storage load on large open-alarm sets.
	DefaultSweepInterval = 2 * time.Second
	minSweepInterval     = 1 * time.Second
	maxSweepInterval     = 60 * time.Second
)

// Notifier receives breach decisions from the monitor. Implemented by the
// notification dispatcher.
type Notifier interface {
	NotifyBreach(ctx context.Context, a *core.Alarm)
}

// Monitor periodically scans open alarms, flagging SLA breaches once per
// alarm and waking alarms whose snooze has elapsed.
type Monitor struct {
	store    storage.AlarmStorage
	svc      *alarm.Service
	notifier Notifier
	interval time.Duration
	logger   *zap.SugaredLogger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewMonitor creates a monitor. Intervals outside [1s, 60s] are clamped.
// notifier may be nil.
func NewMonitor(store storage.AlarmStorage, svc *alarm.Service, notifier Notifier, interval time.Duration, logger *zap.SugaredLogger) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	return &Monitor{
		store:    store,
		svc:      svc,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		defer goroutine.Recover("sla-monitor", m.logger)
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.logger.Infof("SLA monitor started, sweep interval %s", m.interval)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("SLA monitor stopped")
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current sweep to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
			<-m.done
		}
	})
}

// Sweep runs a single pass over all open alarms. Exported so tests and
// operator tooling can trigger a pass without the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	alarms, err := m.store.ListOpenAlarms(ctx)
	if err != nil {
		m.logger.Errorf("SLA sweep: listing open alarms failed: %v", err)
		return
	}
	m.refreshStateGauge(ctx)

	now := time.Now().UTC()
	for _, a := range alarms {
		if err := m.sweepAlarm(ctx, a, now); err != nil {
			m.logger.Errorw("SLA sweep: alarm check failed", "alarm_id", a.ID, "error", err)
		}
	}
}

// refreshStateGauge republishes the per-state alarm counts. The sweep is the
// one component that already touches every open alarm on a timer, so the
// gauge rides along with it.
func (m *Monitor) refreshStateGauge(ctx context.Context) {
	counts, err := m.store.CountByState(ctx)
	if err != nil {
		m.logger.Debugw("state gauge refresh failed", "error", err)
		return
	}
	for _, state := range core.AllStates() {
		metrics.AlarmsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (m *Monitor) sweepAlarm(ctx context.Context, a *core.Alarm, now time.Time) error {
	if a.State == core.StateSnoozed {
		if !a.SnoozeUntil.IsZero() && !now.Before(a.SnoozeUntil) {
			woken, err := m.svc.Wake(ctx, a.ID, "system")
			if err != nil {
				return fmt.Errorf("wake alarm: %w", err)
			}
			m.logger.Infow("snoozed alarm woken", "alarm_id", a.ID, "state", woken.State)
		}
		return nil
	}

	// Resolved alarms have met their SLA; only actionable states breach.
	if a.State == core.StateResolved {
		return nil
	}
	if a.SLABreached || a.SLADeadline.IsZero() || now.Before(a.SLADeadline) {
		return nil
	}

	flagged, isNew, err := m.svc.MarkSLABreached(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("flag breach: %w", err)
	}
	if isNew {
		m.logger.Warnw("SLA deadline breached",
			"alarm_id", flagged.ID, "severity", flagged.Severity, "state", flagged.State,
			"deadline", a.SLADeadline.Format(time.RFC3339))
		if m.notifier != nil {
			m.notifier.NotifyBreach(ctx, flagged)
		}
	}
	return nil
}
