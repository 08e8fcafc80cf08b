// Package ingest validates and timestamps incoming detection events and
// provides the HTTP listeners that accept them from sensor pipelines.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"overwatch/core"
	"overwatch/metrics"
)

// Ingestor validates events. It has no side effects beyond logging; the
// validated event is returned unchanged apart from the assigned id and
// ingested timestamp.
type Ingestor struct {
	validate *validator.Validate
	logger   *zap.SugaredLogger
}

// NewIngestor creates an Ingestor.
func NewIngestor(logger *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		validate: validator.New(),
		logger:   logger,
	}
}

// Ingest validates a single event. Events missing tenant, site, source type
// or observed timestamp are rejected with core.ErrValidation. The ingested
// timestamp is assigned when absent; out-of-order observed timestamps are
// permitted and preserved.
func (i *Ingestor) Ingest(ctx context.Context, event *core.Event) (*core.Event, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", core.ErrValidation)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.IngestedAt.IsZero() {
		event.IngestedAt = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = core.SeverityInfo
	}
	if !event.Severity.IsValid() {
		metrics.EventsRejected.Inc()
		return nil, fmt.Errorf("%w: unknown severity %q", core.ErrValidation, event.Severity)
	}
	if err := i.validate.Struct(event); err != nil {
		metrics.EventsRejected.Inc()
		i.logger.Debugw("event rejected", "event_id", event.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", core.ErrValidation, err)
	}
	format := event.SourceFormat
	if format == "" {
		format = "direct"
	}
	metrics.EventsIngested.WithLabelValues(format).Inc()
	return event, nil
}

// IngestBatch validates a bounded batch, failing the whole batch on the
// first invalid event so a batch is never partially processed.
func (i *Ingestor) IngestBatch(ctx context.Context, events []*core.Event) ([]*core.Event, error) {
	out := make([]*core.Event, 0, len(events))
	for idx, event := range events {
		validated, err := i.Ingest(ctx, event)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", idx, err)
		}
		out = append(out, validated)
	}
	return out, nil
}
