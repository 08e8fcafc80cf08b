// Package service composes the packages below it into the event pipeline:
// ingest, rule pre-hooks, correlation, rule post-hooks, notification and
// broadcast. Alarm mutations that happen outside the event path re-enter
// rule evaluation through a mutation sink.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"overwatch/alarm"
	"overwatch/broadcast"
	"overwatch/core"
	"overwatch/correlate"
	"overwatch/ingest"
	"overwatch/metrics"
	"overwatch/notify"
	"overwatch/rules"
	"overwatch/storage"
)

// Pipeline runs each event through the full processing chain. It implements
// ingest.EventSink.
type Pipeline struct {
	ingestor   *ingest.Ingestor
	correlator *correlate.Correlator
	engine     *rules.Engine
	alarms     *alarm.Service
	dispatcher *notify.Dispatcher
	hub        *broadcast.Hub
	events     storage.EventStorage
	logger     *zap.SugaredLogger
}

// NewPipeline wires the pipeline. dispatcher and hub may be nil, which
// disables notifications and live broadcast respectively.
func NewPipeline(
	ingestor *ingest.Ingestor,
	correlator *correlate.Correlator,
	engine *rules.Engine,
	alarms *alarm.Service,
	dispatcher *notify.Dispatcher,
	hub *broadcast.Hub,
	events storage.EventStorage,
	logger *zap.SugaredLogger,
) *Pipeline {
	p := &Pipeline{
		ingestor:   ingestor,
		correlator: correlator,
		engine:     engine,
		alarms:     alarms,
		dispatcher: dispatcher,
		hub:        hub,
		events:     events,
		logger:     logger,
	}
	// Every alarm mutation, whatever its origin, goes out on the alarms
	// topic.
	if hub != nil {
		alarms.Subscribe(func(m alarm.Mutation) {
			hub.Publish(broadcast.TopicAlarms, m.Action, m.Alarm.ID, m.Alarm)
		})
	}
	// Mutations outside the event path (manual transitions, field updates,
	// SLA breaches) get their own rule pass.
	alarms.Subscribe(p.onAlarmMutation)
	return p
}

// onAlarmMutation evaluates rules against a mutated alarm. Rule-driven
// mutations are skipped so a rule cannot trigger itself, and created or
// correlated mutations are skipped because the event path just evaluated
// them with the triggering event attached.
func (p *Pipeline) onAlarmMutation(m alarm.Mutation) {
	if strings.HasPrefix(m.Actor, "rule:") {
		return
	}
	if m.Action == alarm.MutationCreated || m.Action == alarm.MutationCorrelated {
		return
	}

	ctx := context.Background()
	for _, firing := range p.engine.EvaluateAlarm(m.Alarm) {
		switch firing.Action.Type {
		case core.ActionNotify:
			if p.dispatcher != nil {
				p.dispatcher.NotifyRule(m.Alarm, firing.Rule.ID, firing.Action.Channels, firing.Action.Message)
			}
		case core.ActionAlarm:
			if _, err := p.alarms.ApplyRuleMutation(ctx, m.Alarm.ID, firing.Action, "rule:"+firing.Rule.ID); err != nil {
				p.logger.Errorw("rule mutation failed",
					"rule_id", firing.Rule.ID, "alarm_id", m.Alarm.ID, "error", err)
			}
		}
	}
}

// Process ingests and fully processes a raw event.
func (p *Pipeline) Process(ctx context.Context, event *core.Event) (*core.Alarm, error) {
	validated, err := p.ingestor.Ingest(ctx, event)
	if err != nil {
		return nil, err
	}
	return p.process(ctx, validated)
}

// HandleEvent processes an event that the listener has already validated.
func (p *Pipeline) HandleEvent(ctx context.Context, event *core.Event) error {
	_, err := p.process(ctx, event)
	return err
}

func (p *Pipeline) process(ctx context.Context, event *core.Event) (*core.Alarm, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if err := p.events.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("persist event %s: %w", event.ID, err)
	}
	if p.hub != nil {
		p.hub.Publish(broadcast.TopicEvents, "event.ingested", event.ID, event)
	}

	// Pre-correlation rule pass: notify actions fire against the event
	// alone; alarm context is attached after correlation below.
	preFirings := p.engine.EvaluateEvent(event)

	a, created, err := p.correlator.Process(ctx, event)
	if err != nil {
		return nil, err
	}
	if created {
		p.logger.Infow("alarm opened",
			"alarm_id", a.ID, "group_key", a.GroupKey, "severity", a.Severity)
	}

	p.fireNotifications(a, preFirings)

	// Rules whose notify already went out pre-correlation must not deliver
	// again from the correlated pass.
	notified := make(map[string]bool, len(preFirings))
	for _, firing := range preFirings {
		if firing.Action.Type == core.ActionNotify {
			notified[firing.Rule.ID] = true
		}
	}

	postFirings := p.engine.EvaluateCorrelated(event, a)
	for _, firing := range postFirings {
		switch firing.Action.Type {
		case core.ActionNotify:
			if p.dispatcher == nil || notified[firing.Rule.ID] {
				continue
			}
			p.dispatcher.NotifyRule(a, firing.Rule.ID, firing.Action.Channels, firing.Action.Message)
		case core.ActionAlarm:
			mutated, err := p.alarms.ApplyRuleMutation(ctx, a.ID, firing.Action, "rule:"+firing.Rule.ID)
			if err != nil {
				// One rule failing must not stop the others.
				p.logger.Errorw("rule mutation failed",
					"rule_id", firing.Rule.ID, "alarm_id", a.ID, "error", err)
				continue
			}
			a = mutated
		}
	}

	return a, nil
}

func (p *Pipeline) fireNotifications(a *core.Alarm, firings []rules.Firing) {
	if p.dispatcher == nil {
		return
	}
	for _, firing := range firings {
		if firing.Action.Type != core.ActionNotify {
			continue
		}
		p.dispatcher.NotifyRule(a, firing.Rule.ID, firing.Action.Channels, firing.Action.Message)
	}
}
