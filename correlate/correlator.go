// Package correlate matches incoming events to open alarms by group key.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"overwatch/core"
	"overwatch/storage"
)

// Windows maps a severity to the correlation lookback window. An event only
// joins an alarm whose last update falls within the window for the event's
// severity.
type Windows map[core.Severity]time.Duration

// DefaultWindows mirrors the severity ladder: the more severe the event, the
// longer we are willing to reach back for an existing alarm.
func DefaultWindows() Windows {
	return Windows{
		core.SeverityCritical: 60 * time.Minute,
		core.SeverityMajor:    30 * time.Minute,
		core.SeverityMinor:    15 * time.Minute,
		core.SeverityInfo:     5 * time.Minute,
	}
}

// Window returns the configured window for a severity, falling back to the
// info window for unknown severities.
func (w Windows) Window(severity core.Severity) time.Duration {
	if d, ok := w[severity]; ok && d > 0 {
		return d
	}
	if d, ok := w[core.SeverityInfo]; ok && d > 0 {
		return d
	}
	return 5 * time.Minute
}

// AlarmService is the slice of the alarm service the correlator needs.
type AlarmService interface {
	CreateFromEvent(ctx context.Context, event *core.Event) (*core.Alarm, error)
	AttachEvent(ctx context.Context, alarmID string, event *core.Event) (*core.Alarm, error)
}

// Correlator routes each event to at most one open alarm per group key,
// creating a new alarm when no open alarm matches within the window.
type Correlator struct {
	store    storage.AlarmStorage
	alarms   AlarmService
	windows  Windows
	index    *Index
	negCache *expirable.LRU[string, struct{}]
	logger   *zap.SugaredLogger
}

// NewCorrelator creates a correlator. index may be nil when no hot index is
// configured. The negative cache remembers group keys that recently had no
// open alarm so bursts of novel events skip the indexed lookup; entries
// expire quickly because any created alarm invalidates them.
func NewCorrelator(store storage.AlarmStorage, alarms AlarmService, windows Windows, index *Index, logger *zap.SugaredLogger) *Correlator {
	if windows == nil {
		windows = DefaultWindows()
	}
	return &Correlator{
		store:    store,
		alarms:   alarms,
		windows:  windows,
		index:    index,
		negCache: expirable.NewLRU[string, struct{}](4096, nil, 2*time.Second),
		logger:   logger,
	}
}

// Process correlates the event. It returns the resulting alarm and whether a
// new alarm was created. The storage lookup is the source of truth; the hot
// index and negative cache only short-circuit it.
func (c *Correlator) Process(ctx context.Context, event *core.Event) (*core.Alarm, bool, error) {
	groupKey := event.GroupKey()
	cutoff := time.Now().UTC().Add(-c.windows.Window(event.Severity))

	alarm, err := c.lookup(ctx, groupKey, cutoff)
	if err != nil {
		return nil, false, fmt.Errorf("correlation lookup for %s: %w", groupKey, err)
	}

	if alarm != nil {
		updated, err := c.alarms.AttachEvent(ctx, alarm.ID, event)
		if err == nil {
			return updated, false, nil
		}
		// The alarm may have been closed or suppressed between the lookup
		// and the attach. Fall through and open a fresh alarm.
		if !errors.Is(err, core.ErrInvalidTransition) && !errors.Is(err, storage.ErrAlarmNotFound) {
			return nil, false, fmt.Errorf("attach event %s to alarm %s: %w", event.ID, alarm.ID, err)
		}
		c.logger.Debugw("open alarm became unavailable during correlation",
			"alarm_id", alarm.ID, "group_key", groupKey)
	}

	created, err := c.alarms.CreateFromEvent(ctx, event)
	if err != nil {
		return nil, false, fmt.Errorf("create alarm for group %s: %w", groupKey, err)
	}
	c.negCache.Remove(groupKey)
	if c.index != nil {
		if err := c.index.Put(ctx, groupKey, created.ID); err != nil {
			c.logger.Warnw("hot index update failed", "group_key", groupKey, "error", err)
		}
	}
	return created, true, nil
}

func (c *Correlator) lookup(ctx context.Context, groupKey string, cutoff time.Time) (*core.Alarm, error) {
	if _, ok := c.negCache.Get(groupKey); ok {
		return nil, nil
	}

	if c.index != nil {
		if alarmID, ok := c.index.Get(ctx, groupKey); ok {
			alarm, err := c.store.GetAlarm(ctx, alarmID)
			switch {
			case err == nil && !alarm.State.IsTerminal() && !alarm.UpdatedAt.Before(cutoff):
				return alarm, nil
			case err != nil && !errors.Is(err, storage.ErrAlarmNotFound):
				return nil, err
			default:
				// Stale index entry; drop it and consult storage.
				c.index.Delete(ctx, groupKey)
			}
		}
	}

	alarm, err := c.store.GetOpenAlarmByGroupKey(ctx, groupKey, cutoff)
	if err != nil {
		if errors.Is(err, storage.ErrAlarmNotFound) {
			c.negCache.Add(groupKey, struct{}{})
			return nil, nil
		}
		return nil, err
	}
	if c.index != nil {
		if err := c.index.Put(ctx, groupKey, alarm.ID); err != nil {
			c.logger.Warnw("hot index update failed", "group_key", groupKey, "error", err)
		}
	}
	return alarm, nil
}
