// Package metrics exposes the pull-based metrics surface of the alarm core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_events_ingested_total",
			Help: "Total number of events accepted by the ingestor",
		},
		[]string{"format"},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overwatch_events_rejected_total",
			Help: "Total number of events rejected by validation",
		},
	)

	AlarmsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_alarms_created_total",
			Help: "Total number of alarms created",
		},
		[]string{"severity", "site"},
	)

	EventsCorrelated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overwatch_events_correlated_total",
			Help: "Total number of events attached to an existing alarm",
		},
	)

	AlarmsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overwatch_alarms_by_state",
			Help: "Current number of alarms per lifecycle state",
		},
		[]string{"state"},
	)

	SLABreaches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_sla_breaches_total",
			Help: "Total number of SLA breaches flagged",
		},
		[]string{"severity"},
	)

	RuleTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_rule_triggers_total",
			Help: "Total number of rule condition matches",
		},
		[]string{"rule_id"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overwatch_notifications_sent_total",
			Help: "Total number of notification deliveries per channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overwatch_subscribers_active",
			Help: "Current number of live broadcast subscribers",
		},
	)

	BroadcastsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overwatch_broadcasts_dropped_total",
			Help: "Total number of messages dropped for slow subscribers",
		},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overwatch_event_processing_duration_seconds",
			Help:    "Time taken to ingest, correlate and evaluate one event",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConcurrencyConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overwatch_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on alarm writes",
		},
	)
)
