package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"overwatch/alarm"
	"overwatch/core"
	"overwatch/correlate"
	"overwatch/ingest"
	"overwatch/notify"
	"overwatch/rules"
	"overwatch/storage"
)

type pipelineFixture struct {
	pipeline *Pipeline
	store    *storage.Memory
	alarms   *alarm.Service
	engine   *rules.Engine
	channel  *recordingChannel
}

type recordingChannel struct {
	mu   sync.Mutex
	sent []*notify.Decision
}

func (c *recordingChannel) Name() string { return "console" }

func (c *recordingChannel) Send(_ context.Context, d *notify.Decision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, d)
	return nil
}

func (c *recordingChannel) delivered() []*notify.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*notify.Decision(nil), c.sent...)
}

func newPipelineFixture(t *testing.T, ruleSources ...string) *pipelineFixture {
	t.Helper()
	store := storage.NewMemory()
	logger := zap.NewNop().Sugar()

	alarms := alarm.NewService(store, nil, logger)
	engine := rules.NewEngine(store, logger)

	compiled := make([]*rules.Compiled, 0, len(ruleSources))
	for _, src := range ruleSources {
		c, err := rules.Parse([]byte(src))
		require.NoError(t, err)
		compiled = append(compiled, c)
	}
	engine.SetRules(compiled)

	channel := &recordingChannel{}
	dispatcher := notify.NewDispatcher([]notify.Channel{channel}, store, alarms, logger)
	dispatcher.Start(context.Background(), 1)
	t.Cleanup(dispatcher.Stop)

	correlator := correlate.NewCorrelator(store, alarms, nil, nil, logger)
	pipeline := NewPipeline(ingest.NewIngestor(logger), correlator, engine, alarms, dispatcher, nil, store, logger)
	return &pipelineFixture{
		pipeline: pipeline,
		store:    store,
		alarms:   alarms,
		engine:   engine,
		channel:  channel,
	}
}

func pipelineEvent(severity core.Severity, confidence float64) *core.Event {
	e := core.NewEvent()
	e.Tenant = "acme"
	e.Site = "hq"
	e.Source = core.Source{Type: "motion", Subtype: "tailgate", DeviceID: "cam-1"}
	e.Location = core.Location{AreaID: "lobby"}
	e.Severity = severity
	e.ObservedAt = time.Now().UTC()
	if confidence > 0 {
		e.Attributes["confidence"] = confidence
	}
	return e
}

func TestPipeline_EventBecomesAlarm(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	a, err := f.pipeline.Process(ctx, pipelineEvent(core.SeverityMajor, 0))
	require.NoError(t, err)
	assert.Equal(t, core.StateNew, a.State)
	assert.Equal(t, "acme:hq:lobby:tailgate", a.GroupKey)

	// The event is persisted for audit.
	count, err := f.store.GetEventCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	stored, err := f.store.GetEvent(ctx, a.EventIDs[0])
	require.NoError(t, err)
	assert.Equal(t, a.EventIDs[0], stored.ID)
}

func TestPipeline_BurstCorrelatesIntoOneAlarm(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	first, err := f.pipeline.Process(ctx, pipelineEvent(core.SeverityMajor, 0))
	require.NoError(t, err)

	var last *core.Alarm
	for i := 0; i < 3; i++ {
		last, err = f.pipeline.Process(ctx, pipelineEvent(core.SeverityMajor, 0))
		require.NoError(t, err)
		assert.Equal(t, first.ID, last.ID)
	}
	assert.Len(t, last.EventIDs, 4)
}

func TestPipeline_RejectsInvalidEvent(t *testing.T) {
	f := newPipelineFixture(t)

	bad := pipelineEvent(core.SeverityMajor, 0)
	bad.Tenant = ""
	_, err := f.pipeline.Process(context.Background(), bad)
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestPipeline_RuleEscalatesAndNotifies(t *testing.T) {
	f := newPipelineFixture(t, `
id: confident-tailgate
name: Escalate confident tailgating
when:
  all:
    - {field: event.severity, op: "==", value: major}
    - {field: event.attributes.confidence, op: ">=", value: 0.9}
then:
  - notify:
      channels: [console]
      message: confident tailgate
  - alarm.create_or_update:
      severity: critical
      runbook: RB-17
`)
	ctx := context.Background()

	a, err := f.pipeline.Process(ctx, pipelineEvent(core.SeverityMajor, 0.95))
	require.NoError(t, err)

	// The post-correlation pass applied the alarm mutation.
	assert.Equal(t, core.SeverityCritical, a.Severity)
	assert.Equal(t, "RB-17", a.RunbookID)

	// The pre-correlation pass queued the notification.
	require.Eventually(t, func() bool {
		return len(f.channel.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := f.channel.delivered()[0]
	assert.Equal(t, "confident-tailgate", got.RuleID)
	assert.Equal(t, "confident tailgate", got.Message)
}

func TestPipeline_NonMatchingRuleLeavesAlarmAlone(t *testing.T) {
	f := newPipelineFixture(t, `
id: confident-tailgate
name: Escalate confident tailgating
when:
  all:
    - {field: event.attributes.confidence, op: ">=", value: 0.9}
then:
  - alarm.create_or_update: {severity: critical}
`)

	a, err := f.pipeline.Process(context.Background(), pipelineEvent(core.SeverityMajor, 0.4))
	require.NoError(t, err)
	assert.Equal(t, core.SeverityMajor, a.Severity)
	assert.Empty(t, f.channel.delivered())
}

func TestPipeline_RulesRunOnManualTransitions(t *testing.T) {
	f := newPipelineFixture(t, `
id: active-alert
name: Notify when an alarm goes active
when:
  all:
    - {field: alarm.state, op: "==", value: ACTIVE}
then:
  - notify: {channels: [console], message: alarm active}
`)
	ctx := context.Background()

	a, err := f.pipeline.Process(ctx, pipelineEvent(core.SeverityMajor, 0))
	require.NoError(t, err)
	assert.Empty(t, f.channel.delivered())

	_, err = f.alarms.Acknowledge(ctx, a.ID, "operator")
	require.NoError(t, err)
	_, err = f.alarms.Transition(ctx, a.ID, core.StateActive, "operator", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.channel.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	got := f.channel.delivered()[0]
	assert.Equal(t, "active-alert", got.RuleID)
	assert.Equal(t, "alarm active", got.Message)
}

func TestPipeline_AlarmConditionedNotifyDelivers(t *testing.T) {
	f := newPipelineFixture(t, `
id: noisy-group
name: Notify on repeat offenders
when:
  all:
    - {field: alarm.event_count, op: ">=", value: 2}
then:
  - notify: {channels: [console], message: group is noisy}
`)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, pipelineEvent(core.SeverityMinor, 0))
	require.NoError(t, err)
	assert.Empty(t, f.channel.delivered())

	_, err = f.pipeline.Process(ctx, pipelineEvent(core.SeverityMinor, 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.channel.delivered()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "noisy-group", f.channel.delivered()[0].RuleID)
}

func TestPipeline_RuleMutationDoesNotRetrigger(t *testing.T) {
	f := newPipelineFixture(t, `
id: critical-runbook
name: Pin the runbook on critical alarms
when:
  all:
    - {field: alarm.severity, op: "==", value: critical}
then:
  - alarm.create_or_update: {runbook: RB-99}
  - notify: {channels: [console], message: critical alarm}
`)
	ctx := context.Background()

	a, err := f.pipeline.Process(ctx, pipelineEvent(core.SeverityMajor, 0))
	require.NoError(t, err)

	_, err = f.alarms.UpdateSeverity(ctx, a.ID, core.SeverityCritical, "operator")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.alarms.Get(ctx, a.ID)
		return err == nil && got.RunbookID == "RB-99"
	}, 2*time.Second, 10*time.Millisecond)

	// The rule-driven runbook write must not run the rule set again.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, f.channel.delivered(), 1)
}

func TestPipeline_AlarmRuleMatchesGrownAlarm(t *testing.T) {
	f := newPipelineFixture(t, `
id: repeat-offender
name: Escalate noisy groups
when:
  all:
    - {field: alarm.event_count, op: ">=", value: 3}
then:
  - alarm.create_or_update: {severity: critical}
`)
	ctx := context.Background()

	var a *core.Alarm
	var err error
	for i := 0; i < 3; i++ {
		a, err = f.pipeline.Process(ctx, pipelineEvent(core.SeverityMinor, 0))
		require.NoError(t, err)
	}
	assert.Equal(t, core.SeverityCritical, a.Severity)
}
