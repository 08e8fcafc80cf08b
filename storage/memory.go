package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"overwatch/core"
)

// Memory is an in-process implementation of the storage interfaces, used in
// tests and for embedded runs without a database file. Safe for concurrent
// use; the conditional-write semantics match the SQLite implementation.
type Memory struct {
	mu     sync.RWMutex
	alarms map[string]*core.Alarm
	events map[string]*core.Event
	rules  map[string]*core.Rule
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		alarms: make(map[string]*core.Alarm),
		events: make(map[string]*core.Event),
		rules:  make(map[string]*core.Rule),
	}
}

func (m *Memory) GetAlarm(ctx context.Context, id string) (*core.Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	alarm, ok := m.alarms[id]
	if !ok {
		return nil, ErrAlarmNotFound
	}
	return alarm.Clone(), nil
}

func (m *Memory) GetOpenAlarmByGroupKey(ctx context.Context, groupKey string, updatedAfter time.Time) (*core.Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *core.Alarm
	for _, alarm := range m.alarms {
		if alarm.GroupKey != groupKey || alarm.State.IsTerminal() {
			continue
		}
		if alarm.UpdatedAt.Before(updatedAfter) {
			continue
		}
		if best == nil || alarm.UpdatedAt.After(best.UpdatedAt) {
			best = alarm
		}
	}
	if best == nil {
		return nil, ErrAlarmNotFound
	}
	return best.Clone(), nil
}

func (m *Memory) ListOpenAlarms(ctx context.Context) ([]*core.Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Alarm
	for _, alarm := range m.alarms {
		if !alarm.State.IsTerminal() {
			out = append(out, alarm.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchesFilters(alarm *core.Alarm, f *core.AlarmFilters) bool {
	if f == nil {
		return true
	}
	if f.Tenant != "" && alarm.Tenant != f.Tenant {
		return false
	}
	if f.Site != "" && alarm.Site != f.Site {
		return false
	}
	if f.State != "" && alarm.State != f.State {
		return false
	}
	if f.Severity != "" && alarm.Severity != f.Severity {
		return false
	}
	if f.Assignee != "" && alarm.Assignee != f.Assignee {
		return false
	}
	if !f.From.IsZero() && alarm.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && alarm.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func (m *Memory) ListAlarms(ctx context.Context, filters *core.AlarmFilters) ([]*core.Alarm, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*core.Alarm
	for _, alarm := range m.alarms {
		if matchesFilters(alarm, filters) {
			matched = append(matched, alarm)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return strings.Compare(matched[i].ID, matched[j].ID) < 0
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))

	offset, limit := 0, len(matched)
	if filters != nil {
		if filters.Offset > 0 {
			offset = filters.Offset
		}
		if filters.Limit > 0 {
			limit = filters.Limit
		}
	}
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]*core.Alarm, 0, end-offset)
	for _, alarm := range matched[offset:end] {
		out = append(out, alarm.Clone())
	}
	return out, total, nil
}

func (m *Memory) CreateAlarm(ctx context.Context, alarm *core.Alarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.alarms[alarm.ID]; exists {
		return ErrDuplicateAlarm
	}
	m.alarms[alarm.ID] = alarm.Clone()
	return nil
}

func (m *Memory) UpdateAlarmCAS(ctx context.Context, alarm *core.Alarm, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.alarms[alarm.ID]
	if !ok {
		return ErrAlarmNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.alarms[alarm.ID] = alarm.Clone()
	return nil
}

func (m *Memory) CountByState(ctx context.Context) (map[core.AlarmState]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[core.AlarmState]int64)
	for _, alarm := range m.alarms {
		counts[alarm.State]++
	}
	return counts, nil
}

func (m *Memory) AppendEvent(ctx context.Context, event *core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events[event.ID] = &copied
	return nil
}

func (m *Memory) GetEvent(ctx context.Context, id string) (*core.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	event, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	copied := *event
	return &copied, nil
}

func (m *Memory) GetEventCount(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (*core.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	copied := *rule
	return &copied, nil
}

func (m *Memory) GetAllRules(ctx context.Context) ([]core.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Rule, 0, len(m.rules))
	for _, rule := range m.rules {
		out = append(out, *rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetEnabledRules(ctx context.Context) ([]core.Rule, error) {
	all, err := m.GetAllRules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rule := range all {
		if rule.Enabled {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (m *Memory) CreateRule(ctx context.Context, rule *core.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[rule.ID]; exists {
		return ErrDuplicateRule
	}
	copied := *rule
	m.rules[rule.ID] = &copied
	return nil
}

func (m *Memory) UpdateRule(ctx context.Context, id string, rule *core.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	copied := *rule
	copied.ID = id
	m.rules[id] = &copied
	return nil
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *Memory) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	rule.Enabled = enabled
	return nil
}
